// Package enforcer tracks per-plugin resource usage against quota caps and
// raises violation signals when a plugin exceeds them.
//
// Caps are organized as security-level presets (low/medium/high) rather
// than algorithm branches: the sliding-window and grace-period logic is
// identical across levels, only the numbers differ.
package enforcer

import (
	"sync"
	"time"
)

// SecurityLevel selects a cap preset.
type SecurityLevel string

const (
	LevelLow    SecurityLevel = "low"
	LevelMedium SecurityLevel = "medium"
	LevelHigh   SecurityLevel = "high"
)

// Limits caps a single plugin's resource usage.
type Limits struct {
	MaxByteRatePerSec   int64         // byte-rate window, 1s
	MaxRequestsPerMin   int64         // request-count window, 60s
	MaxCPUPercent       float64       // rolling CPU average
	MaxOpenFiles        int
	GracePeriod         time.Duration
	ViolationsToBlock   int
}

// Presets returns the cap table for a security level. "low" widens the
// byte-rate, request-rate and open-file caps 4x relative to "medium",
// raises the CPU cap to 95% and doubles the grace period, but never
// disables the grace-period escalation: a level that can never block a
// runaway plugin would leave no enforcement path at all.
func Presets() map[SecurityLevel]Limits {
	medium := Limits{
		MaxByteRatePerSec: 1 << 20, // 1 MiB/s
		MaxRequestsPerMin: 600,
		MaxCPUPercent:     50,
		MaxOpenFiles:      64,
		GracePeriod:       10 * time.Second,
		ViolationsToBlock: 5,
	}
	high := Limits{
		MaxByteRatePerSec: 256 << 10, // 256 KiB/s
		MaxRequestsPerMin: 150,
		MaxCPUPercent:     20,
		MaxOpenFiles:      16,
		GracePeriod:       5 * time.Second,
		ViolationsToBlock: 3,
	}
	low := Limits{
		MaxByteRatePerSec: medium.MaxByteRatePerSec * 4,
		MaxRequestsPerMin: medium.MaxRequestsPerMin * 4,
		MaxCPUPercent:     95,
		MaxOpenFiles:      medium.MaxOpenFiles * 4,
		GracePeriod:       20 * time.Second,
		ViolationsToBlock: 5,
	}
	return map[SecurityLevel]Limits{
		LevelLow:    low,
		LevelMedium: medium,
		LevelHigh:   high,
	}
}

// Event names emitted via the EventSink.
const (
	EventLimitViolation  = "limit-violation"
	EventGracePeriod     = "grace-period-started"
	EventPluginBlocked   = "plugin-blocked"
	EventGCRecommended   = "gc-recommended"
)

// Severity of a resource violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventSink receives enforcer signals. Implemented by the event bus
// publisher in production; a recording fake in tests.
type EventSink interface {
	Publish(event string, pluginID string, fields map[string]interface{})
}

type window struct {
	bucketStart time.Time
	bucketBytes int64
	reqTimes    []time.Time
	cpuSamples  []float64
}

type pluginState struct {
	limits          Limits
	window          window
	violations      int
	graceStarted    *time.Time
	blocked         bool
	openFiles       int
}

// Enforcer tracks per-plugin resource windows and raises violation signals.
type Enforcer struct {
	mu      sync.Mutex
	plugins map[string]*pluginState
	sink    EventSink
	now     func() time.Time
}

// New builds an Enforcer publishing signals to sink.
func New(sink EventSink) *Enforcer {
	return &Enforcer{
		plugins: make(map[string]*pluginState),
		sink:    sink,
		now:     time.Now,
	}
}

// Register starts tracking a plugin under the given limits.
func (e *Enforcer) Register(pluginID string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plugins[pluginID] = &pluginState{limits: limits, window: window{bucketStart: e.now()}}
}

// Unregister stops tracking a plugin.
func (e *Enforcer) Unregister(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.plugins, pluginID)
}

// Summary is a point-in-time view of a plugin's enforcement state.
type Summary struct {
	Violations int
	Blocked    bool
	InGrace    bool
}

// Summary returns the current enforcement state for a plugin.
func (e *Enforcer) Summary(pluginID string) (Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.plugins[pluginID]
	if !ok {
		return Summary{}, false
	}
	return Summary{Violations: st.violations, Blocked: st.blocked, InGrace: st.graceStarted != nil}, true
}

// SystemStatus reports how many plugins are currently tracked and blocked.
type SystemStatus struct {
	TrackedPlugins int
	BlockedPlugins int
}

func (e *Enforcer) SystemStatus() SystemStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := SystemStatus{TrackedPlugins: len(e.plugins)}
	for _, p := range e.plugins {
		if p.blocked {
			st.BlockedPlugins++
		}
	}
	return st
}

// TrackFileOp records a file operation's byte volume against the 1s byte
// rate window.
func (e *Enforcer) TrackFileOp(pluginID string, bytesMoved int64) {
	e.trackBytes(pluginID, bytesMoved)
}

// TrackNetwork records an outbound/inbound network operation against the
// 1s byte rate window and the 60s request-count window.
func (e *Enforcer) TrackNetwork(pluginID string, bytesMoved int64) {
	e.trackBytes(pluginID, bytesMoved)
	e.trackRequest(pluginID)
}

func (e *Enforcer) trackBytes(pluginID string, bytesMoved int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.plugins[pluginID]
	if !ok {
		return
	}
	now := e.now()
	// Tie-break for concurrent violations within the same 1s bucket: the
	// first sample to push the bucket over the cap wins; later samples in
	// the same bucket only accumulate, they don't re-trigger a second
	// violation.
	if now.Sub(st.window.bucketStart) >= time.Second {
		st.window.bucketStart = now
		st.window.bucketBytes = 0
	}
	before := st.window.bucketBytes
	st.window.bucketBytes += bytesMoved
	if before <= st.limits.MaxByteRatePerSec && st.window.bucketBytes > st.limits.MaxByteRatePerSec {
		e.recordViolationLocked(pluginID, st, SeverityHigh, "byte-rate-exceeded")
	}
}

func (e *Enforcer) trackRequest(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.plugins[pluginID]
	if !ok {
		return
	}
	now := e.now()
	st.window.reqTimes = append(st.window.reqTimes, now)
	st.window.reqTimes = trimOlderThan(st.window.reqTimes, now, time.Minute)
	if int64(len(st.window.reqTimes)) > st.limits.MaxRequestsPerMin {
		e.recordViolationLocked(pluginID, st, SeverityMedium, "request-rate-exceeded")
	}
}

// TrackCPU records a rolling CPU percent sample.
func (e *Enforcer) TrackCPU(pluginID string, percent float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.plugins[pluginID]
	if !ok {
		return
	}
	st.window.cpuSamples = append(st.window.cpuSamples, percent)
	if len(st.window.cpuSamples) > 30 {
		st.window.cpuSamples = st.window.cpuSamples[len(st.window.cpuSamples)-30:]
	}
	var sum float64
	for _, s := range st.window.cpuSamples {
		sum += s
	}
	avg := sum / float64(len(st.window.cpuSamples))
	if avg > st.limits.MaxCPUPercent {
		e.recordViolationLocked(pluginID, st, SeverityHigh, "cpu-average-exceeded")
	}
}

// TrackMemory records a memory sample; heap/storage caps live in the
// permission model, so the cap is supplied by the caller. Usage above 90%
// of the cap publishes gc-recommended; usage above the cap itself also
// records a critical heap-cap-exceeded violation.
func (e *Enforcer) TrackMemory(pluginID string, heapBytes, capBytes int64) {
	if capBytes <= 0 {
		return
	}
	if float64(heapBytes) > float64(capBytes)*0.9 {
		e.sink.Publish(EventGCRecommended, pluginID, map[string]interface{}{"heapBytes": heapBytes, "capBytes": capBytes})
	}
	if heapBytes > capBytes {
		e.mu.Lock()
		defer e.mu.Unlock()
		st, ok := e.plugins[pluginID]
		if !ok {
			return
		}
		e.recordViolationLocked(pluginID, st, SeverityCritical, "heap-cap-exceeded")
	}
}

func (e *Enforcer) recordViolationLocked(pluginID string, st *pluginState, severity Severity, reason string) {
	if st.blocked {
		return
	}
	st.violations++
	e.sink.Publish(EventLimitViolation, pluginID, map[string]interface{}{
		"severity": severity,
		"reason":   reason,
		"count":    st.violations,
	})
	now := e.now()
	if st.graceStarted == nil {
		st.graceStarted = &now
		e.sink.Publish(EventGracePeriod, pluginID, map[string]interface{}{"reason": reason})
		return
	}
	if now.Sub(*st.graceStarted) >= st.limits.GracePeriod && st.violations >= st.limits.ViolationsToBlock {
		st.blocked = true
		e.sink.Publish(EventPluginBlocked, pluginID, map[string]interface{}{"reason": "resource-limits-exceeded"})
	}
}

func trimOlderThan(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	return times[idx:]
}
