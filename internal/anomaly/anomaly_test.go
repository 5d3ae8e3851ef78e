package anomaly

import (
	"testing"
	"time"

	"github.com/autoweaved/autoweaved/internal/eventbus"
)

func drainAnomalies(t *testing.T, sub *eventbus.Subscription) []eventbus.Event {
	t.Helper()
	var out []eventbus.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRecordEvent_EventsPerMinuteExceeded(t *testing.T) {
	bus := eventbus.New(64)
	sub := bus.Subscribe(eventbus.SecurityAnomaly)
	d := New(bus, Limits{EventsPerMinuteCap: 5})

	for i := 0; i < 6; i++ {
		d.RecordEvent("p1", false)
	}

	found := false
	for _, e := range drainAnomalies(t, sub) {
		if e.Fields["reason"] == "events-per-minute-exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected events-per-minute-exceeded anomaly")
	}
}

func TestRecordEvent_ErrorFloodExceeded(t *testing.T) {
	bus := eventbus.New(64)
	sub := bus.Subscribe(eventbus.SecurityAnomaly)
	d := New(bus, Limits{EventsPerMinuteCap: 1000, ErrorRateCap: 1.0, ErrorFloodCap: 10, ErrorFloodWindow: time.Minute})

	for i := 0; i < 11; i++ {
		d.RecordEvent("p1", true)
	}

	found := false
	for _, e := range drainAnomalies(t, sub) {
		if e.Fields["reason"] == "error-flood" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected error-flood anomaly")
	}
}

func TestRecordSensitiveAccess_AfterErrorRaisesAnomaly(t *testing.T) {
	bus := eventbus.New(64)
	sub := bus.Subscribe(eventbus.SecurityAnomaly)
	d := New(bus, Limits{})

	d.RecordEvent("p1", true)
	d.RecordSensitiveAccess("p1")

	found := false
	for _, e := range drainAnomalies(t, sub) {
		if e.Fields["reason"] == "access-after-error" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected access-after-error anomaly")
	}
}

func TestRecordSensitiveAccess_WithoutPriorErrorDoesNotRaise(t *testing.T) {
	bus := eventbus.New(64)
	sub := bus.Subscribe(eventbus.SecurityAnomaly)
	d := New(bus, Limits{})

	d.RecordEvent("p1", false)
	d.RecordSensitiveAccess("p1")

	for _, e := range drainAnomalies(t, sub) {
		if e.Fields["reason"] == "access-after-error" {
			t.Fatal("did not expect access-after-error anomaly")
		}
	}
}

func TestScanExecutePayload_MatchesMaliciousPattern(t *testing.T) {
	bus := eventbus.New(64)
	sub := bus.Subscribe(eventbus.SecurityAnomaly)
	d := New(bus, Limits{})

	if !d.ScanExecutePayload("p1", `require('child_process').exec('rm -rf /')`) {
		t.Fatal("expected malicious pattern match")
	}

	found := false
	for _, e := range drainAnomalies(t, sub) {
		if e.Fields["reason"] == "malicious-pattern-match" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected malicious-pattern-match anomaly published")
	}
}

func TestScanExecutePayload_BenignPayloadDoesNotMatch(t *testing.T) {
	bus := eventbus.New(64)
	d := New(bus, Limits{})
	if d.ScanExecutePayload("p1", `console.log("hello world")`) {
		t.Fatal("did not expect benign payload to match")
	}
}

func TestForget_ClearsPluginWindow(t *testing.T) {
	bus := eventbus.New(64)
	d := New(bus, Limits{EventsPerMinuteCap: 1000})
	d.RecordEvent("p1", true)
	d.Forget("p1")

	w := d.windowFor("p1")
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) != 0 {
		t.Fatalf("expected fresh window after Forget, got %d samples", len(w.samples))
	}
}
