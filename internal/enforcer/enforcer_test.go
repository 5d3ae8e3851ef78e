package enforcer

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(event string, pluginID string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestPresets_LowWidensButNeverDisables(t *testing.T) {
	presets := Presets()
	low, medium := presets[LevelLow], presets[LevelMedium]
	if low.MaxByteRatePerSec != medium.MaxByteRatePerSec*4 {
		t.Errorf("low byte rate = %d, want 4x medium (%d)", low.MaxByteRatePerSec, medium.MaxByteRatePerSec)
	}
	if low.ViolationsToBlock <= 0 {
		t.Error("low preset must still have a finite block threshold")
	}
}

func TestTrackFileOp_ByteRateViolation(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	limits := Presets()[LevelMedium]
	limits.MaxByteRatePerSec = 100
	e.Register("p1", limits)

	e.TrackFileOp("p1", 200)

	if sink.count(EventLimitViolation) != 1 {
		t.Errorf("expected one violation, events=%v", sink.events)
	}
	if sink.count(EventGracePeriod) != 1 {
		t.Errorf("expected grace period started, events=%v", sink.events)
	}
}

func TestRecordViolation_BlocksAfterGraceAndThreshold(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	fakeNow := time.Now()
	e.now = func() time.Time { return fakeNow }

	limits := Limits{MaxByteRatePerSec: 1, GracePeriod: time.Second, ViolationsToBlock: 2}
	e.Register("p1", limits)

	e.TrackFileOp("p1", 10) // violation 1, starts grace period
	fakeNow = fakeNow.Add(2 * time.Second)
	e.TrackFileOp("p1", 10) // violation 2, past grace period -> block

	summary, ok := e.Summary("p1")
	if !ok {
		t.Fatal("expected summary")
	}
	if !summary.Blocked {
		t.Errorf("expected plugin blocked, summary=%+v events=%v", summary, sink.events)
	}
	if sink.count(EventPluginBlocked) != 1 {
		t.Errorf("expected plugin-blocked event, events=%v", sink.events)
	}
}

func TestBlockedPluginStopsRecordingViolations(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	fakeNow := time.Now()
	e.now = func() time.Time { return fakeNow }
	limits := Limits{MaxByteRatePerSec: 1, GracePeriod: time.Second, ViolationsToBlock: 1}
	e.Register("p1", limits)

	e.TrackFileOp("p1", 10) // violation 1, starts grace period
	fakeNow = fakeNow.Add(2 * time.Second)
	e.TrackFileOp("p1", 10) // violation 2, past grace period -> block
	if summary, _ := e.Summary("p1"); !summary.Blocked {
		t.Fatalf("expected plugin blocked before the final sample, events=%v", sink.events)
	}
	before := len(sink.events)
	e.TrackFileOp("p1", 10)
	if len(sink.events) != before {
		t.Errorf("expected no further events once blocked, before=%d after=%d", before, len(sink.events))
	}
}

func TestTrackNetwork_ConcurrentCallsDontRaceTheSharedMap(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	e.Register("p1", Presets()[LevelMedium])
	e.Register("p2", Presets()[LevelMedium])

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.TrackNetwork("p1", 10)
		}()
		go func() {
			defer wg.Done()
			e.TrackNetwork("p2", 10)
		}()
	}
	wg.Wait()

	if _, ok := e.Summary("p1"); !ok {
		t.Error("expected p1 to still be tracked after concurrent TrackNetwork calls")
	}
}

func TestUnregisterStopsTracking(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	e.Register("p1", Presets()[LevelMedium])
	e.Unregister("p1")
	if _, ok := e.Summary("p1"); ok {
		t.Error("expected no summary after unregister")
	}
}

func TestSystemStatus(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink)
	e.Register("p1", Presets()[LevelMedium])
	e.Register("p2", Presets()[LevelMedium])
	status := e.SystemStatus()
	if status.TrackedPlugins != 2 {
		t.Errorf("tracked = %d", status.TrackedPlugins)
	}
}
