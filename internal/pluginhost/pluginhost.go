// Package pluginhost owns plugin lifecycle: loading, starting, stopping,
// and blocking plugins, orchestrating the manifest validator, permission
// model, resource enforcer, and security boundary around each one.
package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/boundary"
	"github.com/autoweaved/autoweaved/internal/enforcer"
	"github.com/autoweaved/autoweaved/internal/eventbus"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/manifest"
	"github.com/autoweaved/autoweaved/internal/permission"
)

// State is a plugin's position in the lifecycle state machine:
//
//	(none) --load--> loaded --start--> running --stop--> stopped
//	                    |                  |
//	                    |                  +--violation--> blocked
//	                    +--load-error--> error
type State string

const (
	StateLoaded  State = "loaded"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateBlocked State = "blocked"
	StateError   State = "error"
)

const (
	manifestFileName = "autoweave.plugin.json"
	signatureFile    = "plugin.sig"
)

// Plugin is a loaded plugin instance tracked by the Host.
type Plugin struct {
	ID          string
	Manifest    *manifest.Manifest
	State       State
	ChannelID   string
	Violations  int
	Anomalies   int
	BlockReason string
	LoadedAt    time.Time
	StartedAt   time.Time
}

// Host owns the plugin registry and orchestrates the validator,
// permission model, enforcer, and security boundary around every plugin.
type Host struct {
	mu      sync.Mutex
	plugins map[string]*Plugin
	perms   map[string]*permission.Model

	boundary *boundary.Boundary
	enforcer *enforcer.Enforcer
	bus      *eventbus.Bus

	pluginRoot            string
	requireSignedPlugins  bool
	maxActivePlugins      int
	hostViolationThreshold int
	hostViolations        int
	hostLocked            bool

	securityLevel enforcer.SecurityLevel
}

// Config configures a Host.
type Config struct {
	PluginRoot             string
	RequireSignedPlugins   bool
	MaxActivePlugins       int
	HostViolationThreshold int
	SecurityLevel          enforcer.SecurityLevel
}

// New builds a Host wired to the given boundary, enforcer, and event bus.
// The host subscribes itself to the bus for enforcer/anomaly signals.
func New(cfg Config, b *boundary.Boundary, e *enforcer.Enforcer, bus *eventbus.Bus) *Host {
	if cfg.HostViolationThreshold <= 0 {
		cfg.HostViolationThreshold = 20
	}
	if cfg.MaxActivePlugins <= 0 {
		cfg.MaxActivePlugins = 64
	}
	h := &Host{
		plugins:                make(map[string]*Plugin),
		perms:                   make(map[string]*permission.Model),
		boundary:                b,
		enforcer:                e,
		bus:                     bus,
		pluginRoot:              cfg.PluginRoot,
		requireSignedPlugins:    cfg.RequireSignedPlugins,
		maxActivePlugins:        cfg.MaxActivePlugins,
		hostViolationThreshold:  cfg.HostViolationThreshold,
		securityLevel:           cfg.SecurityLevel,
	}
	go h.watchSignals()
	return h
}

// watchSignals wires Enforcer limit-violation and anomaly signals to
// blockPlugin purely through the event bus, never via direct calls, per
// the cross-component wiring design.
func (h *Host) watchSignals() {
	sub := h.bus.Subscribe("")
	for evt := range sub.Events() {
		pluginID, _ := evt.Fields["pluginId"].(string)
		if pluginID == "" {
			continue
		}
		switch evt.Name {
		case enforcer.EventLimitViolation:
			severity, _ := evt.Fields["severity"].(enforcer.Severity)
			if severity == enforcer.SeverityHigh || severity == enforcer.SeverityCritical {
				h.recordViolation(pluginID)
			}
		case eventbus.SecurityAnomaly:
			h.recordAnomaly(pluginID)
		}
	}
}

func (h *Host) recordViolation(pluginID string) {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	if !ok || p.State == StateBlocked {
		h.mu.Unlock()
		return
	}
	p.Violations++
	shouldBlock := p.Violations >= 5
	h.mu.Unlock()
	if shouldBlock {
		h.BlockPlugin(pluginID, "resource-violations-exceeded")
	}
}

func (h *Host) recordAnomaly(pluginID string) {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	if !ok || p.State == StateBlocked {
		h.mu.Unlock()
		return
	}
	p.Anomalies++
	shouldBlock := p.Anomalies >= 10
	h.mu.Unlock()
	if shouldBlock {
		h.BlockPlugin(pluginID, "anomaly-threshold-exceeded")
	}
}

// LoadPlugin reads and validates the manifest at
// <pluginRoot>/<pluginName>/autoweave.plugin.json, registering the plugin
// in the `loaded` state.
func (h *Host) LoadPlugin(pluginDirName string) (string, error) {
	dir := filepath.Join(h.pluginRoot, pluginDirName)
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindConfig, "manifest-unreadable", "failed to read manifest", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperrors.Wrap(apperrors.KindConfig, "manifest-malformed", "manifest is not valid JSON", err)
	}

	m, failure := manifest.Validate(parsed)
	if failure != nil {
		return "", apperrors.ManifestInvalid(failure.Error())
	}
	m = manifest.Canonicalise(m)

	if h.requireSignedPlugins {
		if _, err := os.Stat(filepath.Join(dir, signatureFile)); err != nil {
			return "", apperrors.SignatureInvalid("plugin.sig is required but missing")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hostLocked {
		return "", apperrors.New(apperrors.KindSecurityViolation, "host-locked", "host is locked pending unlockHost()")
	}
	if _, exists := h.plugins[m.Name]; exists {
		return "", apperrors.AlreadyLoaded(m.Name)
	}
	activeCount := 0
	for _, p := range h.plugins {
		if p.State == StateRunning {
			activeCount++
		}
	}
	if activeCount >= h.maxActivePlugins {
		return "", apperrors.QuotaExceeded("maxActivePlugins reached")
	}

	h.plugins[m.Name] = &Plugin{ID: m.Name, Manifest: m, State: StateLoaded, LoadedAt: time.Now()}
	h.perms[m.Name] = permission.New(m)

	h.bus.Publish(eventbus.PluginLoaded, map[string]interface{}{"pluginId": m.Name})
	return m.Name, nil
}

// StartPlugin registers the plugin with the Enforcer, opens its security
// boundary channel, and delivers the initialize/execute handshake.
func (h *Host) StartPlugin(pluginID string) error {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	if !ok {
		h.mu.Unlock()
		return apperrors.New(apperrors.KindConfig, "not-found", "no such plugin").WithPlugin(pluginID)
	}
	if h.hostLocked {
		h.mu.Unlock()
		return apperrors.New(apperrors.KindSecurityViolation, "host-locked", "host is locked pending unlockHost()").WithPlugin(pluginID)
	}
	if p.State != StateLoaded {
		h.mu.Unlock()
		return apperrors.AlreadyRunning(pluginID)
	}
	h.mu.Unlock()

	h.enforcer.Register(pluginID, enforcer.Presets()[h.securityLevel])

	channelID, err := h.boundary.CreateChannel(pluginID)
	if err != nil {
		h.enforcer.Unregister(pluginID)
		return err
	}

	if _, err := h.boundary.SendMessage(pluginID, "initialize", mustJSON(p.Manifest)); err != nil {
		h.boundary.CloseChannel(pluginID, "start-failed")
		h.enforcer.Unregister(pluginID)
		return err
	}
	if _, err := h.boundary.SendMessage(pluginID, "execute", []byte(`{}`)); err != nil {
		h.boundary.CloseChannel(pluginID, "start-failed")
		h.enforcer.Unregister(pluginID)
		return err
	}

	h.mu.Lock()
	p.State = StateRunning
	p.ChannelID = channelID
	p.StartedAt = time.Now()
	h.mu.Unlock()

	h.bus.Publish(eventbus.PluginStarted, map[string]interface{}{"pluginId": pluginID})
	return nil
}

// StopPlugin sends cleanup, closes the channel, and unregisters the
// plugin. Idempotent: stopping an already-stopped plugin is a no-op.
func (h *Host) StopPlugin(pluginID string, reason string) error {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	if !ok {
		h.mu.Unlock()
		return apperrors.New(apperrors.KindConfig, "not-found", "no such plugin").WithPlugin(pluginID)
	}
	if p.State == StateStopped {
		h.mu.Unlock()
		return nil
	}
	wasRunning := p.State == StateRunning
	h.mu.Unlock()

	if wasRunning {
		_, _ = h.boundary.SendMessage(pluginID, "cleanup", []byte(`{}`))
	}
	h.boundary.CloseChannel(pluginID, reason)
	h.enforcer.Unregister(pluginID)

	h.mu.Lock()
	p.State = StateStopped
	h.mu.Unlock()

	h.bus.Publish(eventbus.PluginStopped, map[string]interface{}{"pluginId": pluginID, "reason": reason})
	return nil
}

// BlockPlugin forces a stop and marks the plugin blocked (terminal until
// UnlockHost/admin reset). It increments the host-wide violation counter;
// past hostViolationThreshold, the host refuses new StartPlugin calls
// until UnlockHost is called.
func (h *Host) BlockPlugin(pluginID string, reason string) error {
	_ = h.StopPlugin(pluginID, reason)

	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	if !ok {
		h.mu.Unlock()
		return apperrors.New(apperrors.KindConfig, "not-found", "no such plugin").WithPlugin(pluginID)
	}
	p.State = StateBlocked
	p.BlockReason = reason
	h.hostViolations++
	lock := h.hostViolations > h.hostViolationThreshold
	if lock {
		h.hostLocked = true
	}
	h.mu.Unlock()

	h.bus.Publish(eventbus.PluginBlocked, map[string]interface{}{"pluginId": pluginID, "reason": reason})
	if lock {
		logger.PluginHost().Warn().Msg("host violation threshold exceeded, host locked")
	}
	return nil
}

// UnlockHost clears the host-wide security lock, allowing StartPlugin
// (and LoadPlugin) again. Blocked plugins remain blocked.
func (h *Host) UnlockHost() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostLocked = false
	h.hostViolations = 0
}

// IsLocked reports whether the host-wide security lock is currently
// engaged. The process entrypoint polls this to decide on exit code 3.
func (h *Host) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostLocked
}

// ReloadPlugin stops a running plugin, re-validates its manifest from
// disk, and starts it again, preserving its registry slot.
func (h *Host) ReloadPlugin(pluginDirName string) (string, error) {
	h.mu.Lock()
	existing, ok := h.plugins[pluginDirName]
	h.mu.Unlock()
	if ok && existing.State == StateRunning {
		if err := h.StopPlugin(pluginDirName, "reload"); err != nil {
			return "", err
		}
	}
	if ok {
		h.mu.Lock()
		delete(h.plugins, pluginDirName)
		delete(h.perms, pluginDirName)
		h.mu.Unlock()
	}

	pluginID, err := h.LoadPlugin(pluginDirName)
	if err != nil {
		return "", err
	}
	if err := h.StartPlugin(pluginID); err != nil {
		return "", err
	}
	return pluginID, nil
}

// SendPluginMessage delivers a message to a running plugin.
func (h *Host) SendPluginMessage(pluginID string, msgType string, data []byte) (string, error) {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	h.mu.Unlock()
	if !ok {
		return "", apperrors.New(apperrors.KindConfig, "not-found", "no such plugin").WithPlugin(pluginID)
	}
	if p.State == StateBlocked {
		return "", apperrors.Blocked(pluginID)
	}
	if p.State != StateRunning {
		return "", apperrors.NotRunning(pluginID)
	}
	return h.boundary.SendMessage(pluginID, msgType, data)
}

// Get returns the current state of a tracked plugin.
func (h *Host) Get(pluginID string) (*Plugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[pluginID]
	return p, ok
}

// Permissions returns the permission model for a loaded plugin.
func (h *Host) Permissions(pluginID string) (*permission.Model, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.perms[pluginID]
	return p, ok
}

// List returns every tracked plugin.
func (h *Host) List() []*Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Plugin, 0, len(h.plugins))
	for _, p := range h.plugins {
		out = append(out, p)
	}
	return out
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
