package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
)

// eventRecorder collects hook invocations for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	started   []TransitionEvent
	commits   []TransitionEvent
	committed chan TransitionEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{committed: make(chan TransitionEvent, 16)}
}

func (r *eventRecorder) hooks() Hooks {
	return Hooks{
		OnStart: func(e TransitionEvent) {
			r.mu.Lock()
			r.started = append(r.started, e)
			r.mu.Unlock()
		},
		OnCommit: func(e TransitionEvent) {
			r.mu.Lock()
			r.commits = append(r.commits, e)
			r.mu.Unlock()
			r.committed <- e
		},
	}
}

func (r *eventRecorder) waitCommit(t *testing.T) TransitionEvent {
	t.Helper()
	select {
	case e := <-r.committed:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
		return TransitionEvent{}
	}
}

func testConfig() MachineConfig {
	return MachineConfig{
		MinInterval: 40 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	}
}

func newTestMachine(t *testing.T, rec *eventRecorder) *Machine {
	t.Helper()
	var hooks Hooks
	if rec != nil {
		hooks = rec.hooks()
	}
	m := NewMachine(mode.MustRegistry(mode.DefaultConfigs(), mode.DefaultTransitions()),
		mode.Ward, testConfig(), hooks, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func TestSetModeTwoPhase(t *testing.T) {
	rec := newEventRecorder()
	m := newTestMachine(t, rec)

	if !m.SetMode(mode.Acute) {
		t.Fatal("transition to acute rejected")
	}

	st := m.State()
	if !st.Transitioning {
		t.Error("expected transitioning during settle window")
	}
	if st.CurrentMode != mode.Ward {
		t.Errorf("current flipped before commit: %s", st.CurrentMode)
	}
	if st.PreviousMode != mode.Ward {
		t.Errorf("previous = %s, want ward", st.PreviousMode)
	}

	e := rec.waitCommit(t)
	if e.From != mode.Ward || e.To != mode.Acute {
		t.Errorf("commit event = %s->%s", e.From, e.To)
	}

	st = m.State()
	if st.CurrentMode != mode.Acute {
		t.Errorf("current = %s after commit, want acute", st.CurrentMode)
	}
	if st.Transitioning {
		t.Error("still transitioning after commit")
	}
	if st.LastTransitionAt.IsZero() {
		t.Error("lastTransitionAt not stamped")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.started) != 1 || len(rec.commits) != 1 {
		t.Errorf("hook counts start=%d commit=%d, want 1/1", len(rec.started), len(rec.commits))
	}
}

func TestSetModeRejections(t *testing.T) {
	m := newTestMachine(t, nil)

	if m.SetMode("icu") {
		t.Error("accepted unknown mode")
	}
	if m.SetMode(mode.Ward) {
		t.Error("accepted transition to current mode")
	}

	m.SetLocked(true)
	if m.SetMode(mode.Acute) {
		t.Error("accepted transition while locked")
	}
	m.SetLocked(false)

	if st := m.State(); st.CurrentMode != mode.Ward {
		t.Errorf("rejections mutated state: %s", st.CurrentMode)
	}
}

func TestSetModeRejectsDuringSettle(t *testing.T) {
	rec := newEventRecorder()
	m := newTestMachine(t, rec)

	if !m.SetMode(mode.Acute) {
		t.Fatal("first transition rejected")
	}
	if m.SetMode(mode.Clinic) {
		t.Error("accepted second transition during settle window")
	}
	rec.waitCommit(t)

	if st := m.State(); st.CurrentMode != mode.Acute {
		t.Errorf("current = %s, want acute", st.CurrentMode)
	}
}

func TestSetModeDebounce(t *testing.T) {
	rec := newEventRecorder()
	m := newTestMachine(t, rec)

	if !m.SetMode(mode.Acute) {
		t.Fatal("first transition rejected")
	}
	rec.waitCommit(t)

	// Inside the debounce window the next request must fail.
	if m.SetMode(mode.Clinic) {
		t.Error("accepted transition inside debounce window")
	}

	time.Sleep(testConfig().MinInterval + 10*time.Millisecond)
	if !m.SetMode(mode.Clinic) {
		t.Error("rejected transition after debounce window elapsed")
	}
	rec.waitCommit(t)
}

// The debounce window is measured from when a transition was requested, not
// from when its settle delay committed it. At production timing a request
// 600ms after the previous one must succeed even though the commit landed
// only 450ms ago.
func TestDebounceMeasuredFromInitiation(t *testing.T) {
	rec := newEventRecorder()
	m := NewMachine(mode.MustRegistry(mode.DefaultConfigs(), mode.DefaultTransitions()),
		mode.Ward, DefaultMachineConfig(), rec.hooks(), nil, nil)
	t.Cleanup(m.Close)

	start := time.Now()
	if !m.SetMode(mode.Acute) {
		t.Fatal("first transition rejected")
	}
	rec.waitCommit(t)

	// Just after commit we are ~150ms past initiation, still inside the
	// 500ms window.
	if m.SetMode(mode.Clinic) {
		t.Error("accepted transition inside debounce window")
	}

	time.Sleep(610*time.Millisecond - time.Since(start))
	if !m.SetMode(mode.Clinic) {
		t.Error("rejected transition 600ms after the previous request")
	}
	rec.waitCommit(t)
}

func TestToggleLock(t *testing.T) {
	m := newTestMachine(t, nil)

	if !m.ToggleLock() {
		t.Error("first toggle should lock")
	}
	if st := m.State(); !st.Locked {
		t.Error("state not locked after toggle")
	}
	if m.ToggleLock() {
		t.Error("second toggle should unlock")
	}
}

func TestOverrideHoldCompletes(t *testing.T) {
	rec := newEventRecorder()
	m := newTestMachine(t, rec)
	m.SetLocked(true)

	hold := m.RequestLockedOverride(mode.Acute, 15*time.Millisecond)
	if hold == nil {
		t.Fatal("override hold refused")
	}

	e := rec.waitCommit(t)
	if !e.Override {
		t.Error("commit event not flagged as override")
	}

	st := m.State()
	if st.CurrentMode != mode.Acute {
		t.Errorf("current = %s, want acute", st.CurrentMode)
	}
	if st.Locked {
		t.Error("lock not cleared by override")
	}
}

func TestOverrideHoldCancelled(t *testing.T) {
	m := newTestMachine(t, nil)
	m.SetLocked(true)

	hold := m.RequestLockedOverride(mode.Acute, 30*time.Millisecond)
	if hold == nil {
		t.Fatal("override hold refused")
	}
	hold.Cancel()
	hold.Cancel() // idempotent

	time.Sleep(60 * time.Millisecond)
	st := m.State()
	if st.CurrentMode != mode.Ward {
		t.Errorf("cancelled hold still transitioned: %s", st.CurrentMode)
	}
	if !st.Locked {
		t.Error("cancelled hold cleared the lock")
	}
}

func TestOverrideHoldRejectsUnknownTarget(t *testing.T) {
	m := newTestMachine(t, nil)
	m.SetLocked(true)
	if m.RequestLockedOverride("icu", 10*time.Millisecond) != nil {
		t.Error("override hold accepted unknown target")
	}
}

func TestCloseSkipsPendingCommit(t *testing.T) {
	rec := newEventRecorder()
	m := newTestMachine(t, rec)

	if !m.SetMode(mode.Acute) {
		t.Fatal("transition rejected")
	}
	m.Close()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-rec.committed:
		t.Error("commit fired after Close")
	default:
	}
	if m.SetMode(mode.Clinic) {
		t.Error("accepted transition after Close")
	}
}

func TestRecommended(t *testing.T) {
	m := newTestMachine(t, nil)
	got := m.Recommended()
	want := map[mode.Mode]bool{mode.Acute: true, mode.Clinic: true}
	if len(got) != len(want) {
		t.Fatalf("recommended = %v", got)
	}
	for _, mm := range got {
		if !want[mm] {
			t.Errorf("unexpected recommendation %s", mm)
		}
	}
}
