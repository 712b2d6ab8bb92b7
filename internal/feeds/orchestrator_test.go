package feeds

import (
	"sync"
	"testing"

	"github.com/balhaddad-sys/medward/internal/domain/clinical"
	"github.com/balhaddad-sys/medward/internal/domain/mode"
)

// fakeSources records subscribe/unsubscribe pairs per key.
type fakeSources struct {
	mu       sync.Mutex
	opened   []string
	closed   map[string]int
	patients []clinical.Patient
	labs     []clinical.LabPanel
	failLabs bool
}

func newFakeSources() *fakeSources {
	return &fakeSources{closed: make(map[string]int)}
}

func (f *fakeSources) sources() Sources {
	return Sources{
		PushBased: true,
		SubscribePatients: func(userID string, cb func([]clinical.Patient)) Unsubscribe {
			key := "patients:" + userID
			f.record(key)
			cb(f.patients)
			return func() { f.release(key) }
		},
		SubscribeLabs: func(patientID string, cb func([]clinical.LabPanel)) Unsubscribe {
			key := "labs:" + patientID
			f.record(key)
			if f.failLabs {
				cb(nil) // error path: deliver empty, never fail
			} else {
				cb(f.labs)
			}
			return func() { f.release(key) }
		},
		SubscribeLabHistory: func(patientID string, cb func([]clinical.LabPanel)) Unsubscribe {
			key := "labhistory:" + patientID
			f.record(key)
			cb(f.labs)
			return func() { f.release(key) }
		},
	}
}

func (f *fakeSources) record(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, key)
}

func (f *fakeSources) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[key]++
}

func (f *fakeSources) closedCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[key]
}

func newTestOrchestrator(t *testing.T, f *fakeSources) *Orchestrator {
	t.Helper()
	r := mode.MustRegistry(mode.DefaultConfigs(), mode.DefaultTransitions())
	return NewOrchestrator(r, f.sources(), nil, nil)
}

func TestRebuildOpensModeFeedSet(t *testing.T) {
	f := newFakeSources()
	o := newTestOrchestrator(t, f)
	id := Identity{UserID: "dr-1", PatientID: "p-9"}

	o.Rebuild(mode.Ward, id)
	keys := o.OpenKeys()
	if len(keys) != 1 || keys[0] != "patients:dr-1" {
		t.Fatalf("ward feed set = %v, want [patients:dr-1]", keys)
	}

	o.Rebuild(mode.Acute, id)
	keys = o.OpenKeys()
	if len(keys) != 2 || keys[0] != "labs:p-9" || keys[1] != "patients:dr-1" {
		t.Fatalf("acute feed set = %v", keys)
	}

	o.Rebuild(mode.Clinic, id)
	keys = o.OpenKeys()
	if len(keys) != 1 || keys[0] != "labhistory:p-9" {
		t.Fatalf("clinic feed set = %v", keys)
	}
	o.TeardownAll()
}

func TestRebuildExclusivity(t *testing.T) {
	f := newFakeSources()
	o := newTestOrchestrator(t, f)
	id := Identity{UserID: "dr-1", PatientID: "p-9"}

	o.Rebuild(mode.Acute, id)
	o.Rebuild(mode.Clinic, id)

	// Every handle opened under acute was closed before clinic opened.
	if got := f.closedCount("patients:dr-1"); got != 1 {
		t.Errorf("patients feed closed %d times, want 1", got)
	}
	if got := f.closedCount("labs:p-9"); got != 1 {
		t.Errorf("labs feed closed %d times, want 1", got)
	}
	if got := f.closedCount("labhistory:p-9"); got != 0 {
		t.Errorf("clinic feed closed prematurely %d times", got)
	}
	o.TeardownAll()
}

func TestTeardownAllIdempotent(t *testing.T) {
	f := newFakeSources()
	o := newTestOrchestrator(t, f)

	o.Rebuild(mode.Ward, Identity{UserID: "dr-1"})
	o.TeardownAll()
	o.TeardownAll()

	if got := f.closedCount("patients:dr-1"); got != 1 {
		t.Errorf("unsubscribe called %d times, want exactly 1", got)
	}
	if keys := o.OpenKeys(); len(keys) != 0 {
		t.Errorf("registry not empty after teardown: %v", keys)
	}
}

func TestAcuteWithoutPatientOpensOnlyPatientList(t *testing.T) {
	f := newFakeSources()
	o := newTestOrchestrator(t, f)

	o.Rebuild(mode.Acute, Identity{UserID: "dr-1"})
	keys := o.OpenKeys()
	if len(keys) != 1 || keys[0] != "patients:dr-1" {
		t.Fatalf("acute without patient = %v, want only patient list", keys)
	}
	o.TeardownAll()
}

func TestFailingFeedDegradesToEmptyData(t *testing.T) {
	f := newFakeSources()
	f.failLabs = true
	f.patients = []clinical.Patient{{ID: "p-9", Name: "Test Patient"}}
	o := newTestOrchestrator(t, f)

	o.Rebuild(mode.Acute, Identity{UserID: "dr-1", PatientID: "p-9"})

	// The failing labs feed did not prevent the patient feed.
	if got := len(o.Patients()); got != 1 {
		t.Errorf("patients = %d, want 1 despite labs failure", got)
	}
	if got := len(o.Labs()); got != 0 {
		t.Errorf("labs = %d, want empty on feed failure", got)
	}
	o.TeardownAll()
}

func TestDataClearedOnTeardown(t *testing.T) {
	f := newFakeSources()
	f.patients = []clinical.Patient{{ID: "p-1"}}
	o := newTestOrchestrator(t, f)

	o.Rebuild(mode.Ward, Identity{UserID: "dr-1"})
	if len(o.Patients()) != 1 {
		t.Fatal("expected patient data before teardown")
	}
	o.TeardownAll()
	if len(o.Patients()) != 0 {
		t.Error("stale patient data survived teardown")
	}
}

func TestNilUnsubscribeTolerated(t *testing.T) {
	r := mode.MustRegistry(mode.DefaultConfigs(), mode.DefaultTransitions())
	src := Sources{
		PushBased: true,
		SubscribePatients: func(string, func([]clinical.Patient)) Unsubscribe {
			return nil
		},
	}
	o := NewOrchestrator(r, src, nil, nil)
	o.Rebuild(mode.Ward, Identity{UserID: "dr-1"})
	o.TeardownAll() // must not panic
}
