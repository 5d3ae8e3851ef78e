// Package boundary implements the Security Boundary / IPC Channel: the
// only path by which the host and an isolated plugin execution context
// exchange messages. Every crossing is size-capped, rate-limited,
// optionally AEAD-encrypted, and audited.
//
// The channel abstraction here is transport-agnostic — it is backed by an
// in-process duplex queue, the same shape that would wrap an os/exec
// subprocess's stdin/stdout pipes for a true separate-process isolate,
// so swapping the transport later does not change this package's API.
package boundary

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/google/uuid"

	"github.com/autoweaved/autoweaved/internal/apperrors"
)

// Direction of a message crossing the boundary.
type Direction string

const (
	DirectionOutbound Direction = "out" // host -> plugin
	DirectionInbound  Direction = "in"  // plugin -> host
)

// AuditEntry records a single crossing.
type AuditEntry struct {
	ChannelID string
	PluginID  string
	Direction Direction
	Type      string
	Size      int
	Timestamp time.Time
}

// Frame is a message as delivered to the plugin-side transport.
type Frame struct {
	ID    string
	Type  string
	Nonce []byte
	Data  []byte // ciphertext
}

var reservedMessageTypes = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

const outboundQueueDepth = 256

type channel struct {
	id       string
	pluginID string
	aead     cipher
	outbound chan Frame
	closed   bool
	counter  uint64
	bucket   *tokenBucket // outbound (host -> plugin)
	inBucket *tokenBucket // inbound (plugin -> host)
	mu       sync.Mutex
}

// cipher is the minimal AEAD surface boundary depends on, satisfied by
// chacha20poly1305.AEAD; kept as an interface so tests can substitute a
// fake without touching crypto/rand.
type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// MessageHandler is invoked for every successfully decrypted, validated
// inbound message.
type MessageHandler func(pluginID string, msgType string, data []byte)

// Boundary owns all active channels and the shared audit log.
type Boundary struct {
	mu             sync.Mutex
	channels       map[string]*channel
	maxMessageSize int
	rateLimit      int // messages per second, each direction independently
	strict         bool
	onMessage      MessageHandler
	onClose        func(pluginID string, reason string)

	auditMu  sync.Mutex
	audit    []AuditEntry
	auditCap int
}

// Config configures a Boundary.
type Config struct {
	MaxMessageSize int
	RateLimit      int // messages/sec per direction
	Strict         bool
	AuditCapacity  int
	OnMessage      MessageHandler
	OnClose        func(pluginID string, reason string)
}

// New builds a Boundary.
func New(cfg Config) *Boundary {
	if cfg.AuditCapacity <= 0 {
		cfg.AuditCapacity = 1000
	}
	return &Boundary{
		channels:       make(map[string]*channel),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimit:      cfg.RateLimit,
		strict:         cfg.Strict,
		onMessage:      cfg.OnMessage,
		onClose:        cfg.OnClose,
		auditCap:       cfg.AuditCapacity,
	}
}

// CreateChannel establishes an isolated channel for pluginID with a fresh
// ephemeral AEAD key. Exactly one active channel per pluginID.
func (b *Boundary) CreateChannel(pluginID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.channels {
		if ch.pluginID == pluginID {
			return "", apperrors.New(apperrors.KindConfig, "already-open", "channel already open").WithPlugin(pluginID)
		}
	}

	var key [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "key-gen-failed", "failed to generate channel key", err).WithPlugin(pluginID)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "aead-init-failed", "failed to initialize AEAD cipher", err).WithPlugin(pluginID)
	}

	channelID := uuid.NewString()
	b.channels[channelID] = &channel{
		id:       channelID,
		pluginID: pluginID,
		aead:     aead,
		outbound: make(chan Frame, outboundQueueDepth),
		bucket:   newTokenBucket(b.rateLimit),
		inBucket: newTokenBucket(b.rateLimit),
	}
	return channelID, nil
}

func (b *Boundary) channelForPlugin(pluginID string) *channel {
	for _, ch := range b.channels {
		if ch.pluginID == pluginID && !ch.closed {
			return ch
		}
	}
	return nil
}

// Outbound returns the frame stream the plugin-side transport should
// consume to deliver messages into the isolated context.
func (b *Boundary) Outbound(pluginID string) (<-chan Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channelForPlugin(pluginID)
	if ch == nil {
		return nil, apperrors.ChannelClosed(pluginID)
	}
	return ch.outbound, nil
}

// SendMessage encrypts and enqueues an outbound message to the plugin.
// Returns the assigned message id.
func (b *Boundary) SendMessage(pluginID, msgType string, data []byte) (string, error) {
	b.mu.Lock()
	ch := b.channelForPlugin(pluginID)
	b.mu.Unlock()
	if ch == nil {
		return "", apperrors.ChannelClosed(pluginID)
	}

	if b.maxMessageSize > 0 && len(data) > b.maxMessageSize {
		return "", apperrors.TooLarge(pluginID)
	}
	if !ch.bucket.Allow() {
		return "", apperrors.RateExceeded(pluginID)
	}

	ch.mu.Lock()
	ch.counter++
	messageID := fmt.Sprintf("%s-%d", ch.id, ch.counter)
	nonce := make([]byte, ch.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		ch.mu.Unlock()
		return "", apperrors.Wrap(apperrors.KindInternal, "nonce-gen-failed", "failed to generate nonce", err).WithPlugin(pluginID)
	}
	ciphertext := ch.aead.Seal(nil, nonce, data, []byte(msgType))
	ch.mu.Unlock()

	b.recordAudit(ch, DirectionOutbound, msgType, len(data))

	select {
	case ch.outbound <- Frame{ID: messageID, Type: msgType, Nonce: nonce, Data: ciphertext}:
		return messageID, nil
	default:
		return "", apperrors.TransientIO("outbound queue full", nil).WithPlugin(pluginID)
	}
}

// Deliver processes an inbound frame from the plugin side. Schema and rate
// failures are reported but leave the channel open; a decryption failure
// closes the channel immediately, per the boundary's failure semantics.
func (b *Boundary) Deliver(pluginID string, frame Frame) error {
	b.mu.Lock()
	ch := b.channelForPlugin(pluginID)
	b.mu.Unlock()
	if ch == nil {
		return apperrors.ChannelClosed(pluginID)
	}

	ch.mu.Lock()
	plaintext, err := ch.aead.Open(nil, frame.Nonce, frame.Data, []byte(frame.Type))
	ch.mu.Unlock()
	if err != nil {
		b.CloseChannel(pluginID, "crypto-failure")
		return apperrors.New(apperrors.KindSecurityViolation, "crypto-failure", "inbound message failed authentication").WithPlugin(pluginID)
	}

	if !ch.inBucket.Allow() {
		b.recordAudit(ch, DirectionInbound, frame.Type, len(plaintext))
		return apperrors.RateExceeded(pluginID)
	}

	if b.strict && reservedMessageTypes[frame.Type] {
		b.recordAudit(ch, DirectionInbound, frame.Type, len(plaintext))
		return apperrors.SchemaInvalid(pluginID, fmt.Sprintf("reserved message type %q", frame.Type))
	}

	b.recordAudit(ch, DirectionInbound, frame.Type, len(plaintext))
	if b.onMessage != nil {
		b.onMessage(pluginID, frame.Type, plaintext)
	}
	return nil
}

// CloseChannel terminates the channel for pluginID with no grace period;
// used on violation and shutdown. Idempotent.
func (b *Boundary) CloseChannel(pluginID string, reason string) {
	b.mu.Lock()
	var target string
	for id, ch := range b.channels {
		if ch.pluginID == pluginID {
			target = id
			break
		}
	}
	var ch *channel
	if target != "" {
		ch = b.channels[target]
		delete(b.channels, target)
	}
	b.mu.Unlock()

	if ch == nil {
		return
	}
	ch.mu.Lock()
	if !ch.closed {
		ch.closed = true
		close(ch.outbound)
	}
	ch.mu.Unlock()

	if b.onClose != nil {
		b.onClose(pluginID, reason)
	}
}

func (b *Boundary) recordAudit(ch *channel, dir Direction, msgType string, size int) {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	b.audit = append(b.audit, AuditEntry{
		ChannelID: ch.id,
		PluginID:  ch.pluginID,
		Direction: dir,
		Type:      msgType,
		Size:      size,
		Timestamp: time.Now(),
	})
	if len(b.audit) > b.auditCap {
		b.audit = b.audit[len(b.audit)-b.auditCap:]
	}
}

// AuditLog returns the most recent limit entries, optionally filtered to a
// single plugin. limit <= 0 returns everything retained.
func (b *Boundary) AuditLog(pluginID string, limit int) []AuditEntry {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()

	var out []AuditEntry
	for _, e := range b.audit {
		if pluginID != "" && e.PluginID != pluginID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
