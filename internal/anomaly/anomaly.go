// Package anomaly implements per-plugin anomaly detection: sliding-window
// event/error counters and a malicious-pattern scanner over execute
// payloads, publishing security:anomaly onto the event bus when a trigger
// fires.
package anomaly

import (
	"regexp"
	"sync"
	"time"

	"github.com/autoweaved/autoweaved/internal/eventbus"
)

// Limits bounds the per-plugin sliding-window triggers.
type Limits struct {
	EventsPerMinuteCap int
	ErrorRateCap       float64 // errors / total events, over the window
	ErrorFloodCap      int     // >N errors within ErrorFloodWindow
	ErrorFloodWindow   time.Duration
}

func (l *Limits) setDefaults() {
	if l.EventsPerMinuteCap <= 0 {
		l.EventsPerMinuteCap = 600
	}
	if l.ErrorRateCap <= 0 {
		l.ErrorRateCap = 0.5
	}
	if l.ErrorFloodCap <= 0 {
		l.ErrorFloodCap = 10
	}
	if l.ErrorFloodWindow <= 0 {
		l.ErrorFloodWindow = 60 * time.Second
	}
}

// maliciousPatterns is a fixed deny-regex set scanned against execute
// payloads: the kinds of dynamic-eval and filesystem-escape primitives no
// legitimate plugin payload needs to reference literally.
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bchild_process\b`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bFunction\s*\(\s*['"]`),
	regexp.MustCompile(`(?i)process\.binding`),
	regexp.MustCompile(`(?i)__proto__`),
	regexp.MustCompile(`(?i)\.\./\.\./`),
	regexp.MustCompile(`(?i)/etc/passwd`),
	regexp.MustCompile(`(?i)\bnc\s+-e\b`),
}

type sample struct {
	at      time.Time
	isError bool
}

type pluginWindow struct {
	mu             sync.Mutex
	samples        []sample
	lastEventAt    time.Time
	recentWasError bool
}

// Detector tracks per-plugin event/error windows and publishes
// security:anomaly to bus on trigger.
type Detector struct {
	mu      sync.Mutex
	windows map[string]*pluginWindow
	limits  Limits
	bus     *eventbus.Bus
	now     func() time.Time
}

// New builds a Detector publishing triggers to bus.
func New(bus *eventbus.Bus, limits Limits) *Detector {
	limits.setDefaults()
	return &Detector{
		windows: make(map[string]*pluginWindow),
		limits:  limits,
		bus:     bus,
		now:     time.Now,
	}
}

func (d *Detector) windowFor(pluginID string) *pluginWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[pluginID]
	if !ok {
		w = &pluginWindow{}
		d.windows[pluginID] = w
	}
	return w
}

// RecordEvent tracks one occurrence of an event (isError indicates a
// failure-class event such as a plugin error or permission-denied) and
// evaluates every trigger.
func (d *Detector) RecordEvent(pluginID string, isError bool) {
	w := d.windowFor(pluginID)
	now := d.now()

	w.mu.Lock()
	w.samples = append(w.samples, sample{at: now, isError: isError})
	w.samples = trimOlderThan(w.samples, now, time.Minute)
	floodCount := countErrorsWithin(w.samples, now, d.limits.ErrorFloodWindow)

	total := len(w.samples)
	errors := 0
	for _, s := range w.samples {
		if s.isError {
			errors++
		}
	}
	w.recentWasError = isError
	w.lastEventAt = now
	w.mu.Unlock()

	if total > d.limits.EventsPerMinuteCap {
		d.raise(pluginID, "events-per-minute-exceeded")
	}
	if total > 0 && float64(errors)/float64(total) > d.limits.ErrorRateCap {
		d.raise(pluginID, "error-rate-exceeded")
	}
	if floodCount > d.limits.ErrorFloodCap {
		d.raise(pluginID, "error-flood")
	}
}

// RecordSensitiveAccess is called when a plugin performs filesystem or
// network IO; if the plugin's immediately preceding event was an error,
// this raises access-after-error.
func (d *Detector) RecordSensitiveAccess(pluginID string) {
	w := d.windowFor(pluginID)
	w.mu.Lock()
	wasError := w.recentWasError
	w.mu.Unlock()
	if wasError {
		d.raise(pluginID, "access-after-error")
	}
}

// ScanExecutePayload checks an execute payload against the fixed
// malicious-pattern deny set, raising malicious-pattern-match on hit.
func (d *Detector) ScanExecutePayload(pluginID, payload string) bool {
	for _, pattern := range maliciousPatterns {
		if pattern.MatchString(payload) {
			d.raise(pluginID, "malicious-pattern-match")
			return true
		}
	}
	return false
}

func (d *Detector) raise(pluginID, reason string) {
	d.bus.Publish(eventbus.SecurityAnomaly, map[string]interface{}{
		"pluginId": pluginID,
		"reason":   reason,
	})
}

// Forget drops a plugin's window, called on stop/unload so state does not
// accumulate for plugins no longer running.
func (d *Detector) Forget(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, pluginID)
}

func trimOlderThan(samples []sample, now time.Time, window time.Duration) []sample {
	cut := now.Add(-window)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cut) {
		idx++
	}
	return samples[idx:]
}

func countErrorsWithin(samples []sample, now time.Time, window time.Duration) int {
	cut := now.Add(-window)
	count := 0
	for _, s := range samples {
		if s.isError && !s.at.Before(cut) {
			count++
		}
	}
	return count
}
