package engine

import (
	"context"
	"testing"
	"time"

	"github.com/balhaddad-sys/medward/internal/audit"
	"github.com/balhaddad-sys/medward/internal/domain/clinical"
	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/feeds"
	"github.com/balhaddad-sys/medward/internal/relevance"
	"github.com/balhaddad-sys/medward/internal/session"
)

// staticSources delivers fixed snapshots immediately on subscribe.
func staticSources(patients []clinical.Patient, labs []clinical.LabPanel) feeds.Sources {
	return feeds.Sources{
		SubscribePatients: func(userID string, cb func([]clinical.Patient)) feeds.Unsubscribe {
			cb(patients)
			return func() {}
		},
		SubscribeLabs: func(patientID string, cb func([]clinical.LabPanel)) feeds.Unsubscribe {
			cb(labs)
			return func() {}
		},
		SubscribeLabHistory: func(patientID string, cb func([]clinical.LabPanel)) feeds.Unsubscribe {
			cb(labs)
			return func() {}
		},
		PushBased: true,
	}
}

func newTestEngine(t *testing.T, storage session.Storage, sources feeds.Sources) *Engine {
	t.Helper()
	store := session.NewStore(storage, session.DefaultConfig(), nil, nil)
	trail, err := audit.NewTrail(storage, nil, audit.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(trail.Close)

	cfg := DefaultEngineConfig("dr-khan")
	cfg.Machine = testConfig()

	eng, err := New(cfg,
		mode.MustRegistry(mode.DefaultConfigs(), mode.DefaultTransitions()),
		mode.DefaultToolCatalog(), sources, store, trail, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func waitMode(t *testing.T, e *Engine, want mode.Mode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if snap.Mode == want && !snap.Transitioning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mode never settled at %s", want)
}

func TestStartRestoresSession(t *testing.T) {
	storage := session.NewMemoryStorage()
	ctx := context.Background()

	seed := session.NewStore(storage, session.DefaultConfig(), nil, nil)
	acute := mode.Acute
	locked := true
	seed.Save(ctx, session.Patch{Mode: &acute, Locked: &locked})

	eng := newTestEngine(t, storage, staticSources(nil, nil))

	snap := eng.Snapshot()
	if snap.Mode != mode.Acute {
		t.Errorf("restored mode = %s, want acute", snap.Mode)
	}
	if !snap.Locked {
		t.Error("restored lock not applied")
	}
}

func TestTransitionFlowsThroughSubsystems(t *testing.T) {
	storage := session.NewMemoryStorage()
	eng := newTestEngine(t, storage, staticSources(nil, nil))
	ctx := context.Background()

	if !eng.SetMode(mode.Acute) {
		t.Fatal("transition rejected")
	}
	waitMode(t, eng, mode.Acute)

	store := session.NewStore(storage, session.DefaultConfig(), nil, nil)
	rec := store.Load(ctx)
	if rec == nil || rec.Mode != mode.Acute {
		t.Error("transition not persisted")
	}

	entries := eng.AuditEntries(ctx)
	if len(entries) != 1 || entries[0].To != mode.Acute {
		t.Errorf("audit entries = %v", entries)
	}

	snap := eng.Snapshot()
	if len(snap.OpenFeeds) != 1 || snap.OpenFeeds[0] != "patients:dr-khan" {
		t.Errorf("open feeds = %v", snap.OpenFeeds)
	}
}

func TestSelectPatientOpensScopedFeeds(t *testing.T) {
	storage := session.NewMemoryStorage()
	eng := newTestEngine(t, storage, staticSources(nil, nil))
	ctx := context.Background()

	eng.SetMode(mode.Acute)
	waitMode(t, eng, mode.Acute)

	eng.SelectPatient(ctx, "p1", "Amina Hassan")

	snap := eng.Snapshot()
	found := false
	for _, k := range snap.OpenFeeds {
		if k == "labs:p1" {
			found = true
		}
	}
	if !found {
		t.Errorf("labs feed not open after patient select: %v", snap.OpenFeeds)
	}

	recent := eng.RecentPatients(ctx)
	if len(recent) != 1 || recent[0].ID != "p1" {
		t.Errorf("recent patients = %v", recent)
	}

	eng.ClearPatient()
	for _, k := range eng.Snapshot().OpenFeeds {
		if k == "labs:p1" {
			t.Error("labs feed still open after clear")
		}
	}
}

func TestLockedBlocksTransition(t *testing.T) {
	eng := newTestEngine(t, session.NewMemoryStorage(), staticSources(nil, nil))
	ctx := context.Background()

	if !eng.ToggleLock(ctx) {
		t.Fatal("toggle did not lock")
	}
	if eng.SetMode(mode.Acute) {
		t.Error("locked engine accepted transition")
	}
}

func TestSortedToolsRankSepsisFirstInAcuteContext(t *testing.T) {
	patients := []clinical.Patient{{ID: "p1", Name: "Amina Hassan", Conditions: []string{"neutropenic sepsis"}}}
	labs := []clinical.LabPanel{{
		PatientID: "p1",
		Results: []clinical.LabResult{
			{Analyte: "lactate", Flag: "critical"},
			{Analyte: "wcc", Flag: "critical"},
		},
	}}

	eng := newTestEngine(t, session.NewMemoryStorage(), staticSources(patients, labs))
	ctx := context.Background()

	eng.SetMode(mode.Acute)
	waitMode(t, eng, mode.Acute)
	eng.SelectPatient(ctx, "p1", "Amina Hassan")
	eng.SetSuspectedDiagnosis("sepsis")

	tools := eng.SortedTools(ctx)
	if len(tools) != len(mode.DefaultToolCatalog()) {
		t.Fatalf("tool count = %d", len(tools))
	}
	if tools[0].ID != "sepsis-six" {
		t.Errorf("top tool = %s, want sepsis-six", tools[0].ID)
	}
	for i := 1; i < len(tools); i++ {
		if tools[i].Score > tools[i-1].Score {
			t.Fatalf("tools not in descending order at %d", i)
		}
	}
}

func TestRecordToolUsage(t *testing.T) {
	eng := newTestEngine(t, session.NewMemoryStorage(), staticSources(nil, nil))
	ctx := context.Background()

	if !eng.RecordToolUsage(ctx, "sepsis-six") {
		t.Error("known tool rejected")
	}
	if eng.RecordToolUsage(ctx, "defibrillate-everything") {
		t.Error("unknown tool accepted")
	}
}

func TestOverrideThroughEngine(t *testing.T) {
	storage := session.NewMemoryStorage()
	eng := newTestEngine(t, storage, staticSources(nil, nil))
	ctx := context.Background()

	eng.ToggleLock(ctx)
	hold := eng.RequestOverride(mode.Acute, 15*time.Millisecond)
	if hold == nil {
		t.Fatal("override refused")
	}
	waitMode(t, eng, mode.Acute)

	snap := eng.Snapshot()
	if snap.Locked {
		t.Error("override left lock in place")
	}

	// The cleared lock is persisted for the next restore.
	store := session.NewStore(storage, session.DefaultConfig(), nil, nil)
	if rec := store.Load(ctx); rec == nil || rec.Locked {
		t.Error("override lock clear not persisted")
	}

	// Scoring context must carry the relevance defaults.
	if eng.config.Weights.Severity[mode.SeverityCritical] != relevance.DefaultWeights().Severity[mode.SeverityCritical] {
		t.Error("engine not using default weights")
	}
}
