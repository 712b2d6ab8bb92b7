package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
)

// failingStorage simulates quota/privacy-mode/absent storage.
type failingStorage struct{}

func (failingStorage) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage unavailable")
}
func (failingStorage) Set(context.Context, string, []byte) error {
	return errors.New("storage unavailable")
}
func (failingStorage) Delete(context.Context, string) error {
	return errors.New("storage unavailable")
}

func newTestStore(t *testing.T) (*Store, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	return NewStore(storage, DefaultConfig(), nil, nil), storage
}

func TestSaveMergesAndStamps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	m := mode.Acute
	store.Save(ctx, Patch{Mode: &m})

	locked := true
	store.Save(ctx, Patch{Locked: &locked})

	rec := store.Load(ctx)
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.Mode != mode.Acute {
		t.Errorf("mode = %q, want acute (merge lost earlier field)", rec.Mode)
	}
	if !rec.Locked {
		t.Error("locked flag not merged")
	}
	if rec.SavedAt == 0 {
		t.Error("savedAt not stamped")
	}
}

func TestTTLExpiryDeletesRecord(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()

	m := mode.Ward
	store.Save(ctx, Patch{Mode: &m})

	// Jump the clock past the TTL.
	store.now = func() time.Time {
		return time.Now().Add(DefaultTTL + time.Millisecond)
	}

	if rec := store.Load(ctx); rec != nil {
		t.Fatal("expired record should load as nil")
	}
	// Deleted, not just skipped: the blob is gone from the backend.
	if _, err := storage.Get(ctx, KeySession); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired blob still present, err = %v", err)
	}
	if rec := store.Load(ctx); rec != nil {
		t.Fatal("second load after expiry should also be nil")
	}
}

func TestRecordAtExactTTLStillValid(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	m := mode.Clinic
	store.Save(ctx, Patch{Mode: &m})

	store.now = func() time.Time { return base.Add(DefaultTTL) }
	if rec := store.Load(ctx); rec == nil {
		t.Fatal("record at exactly TTL should still be valid")
	}
}

func TestToolUsageRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok := store.ToolLastUsed(ctx, "sepsis-six"); ok {
		t.Fatal("unused tool should have no timestamp")
	}

	store.RecordToolUsage(ctx, "sepsis-six")
	ts, ok := store.ToolLastUsed(ctx, "sepsis-six")
	if !ok {
		t.Fatal("expected usage timestamp")
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("usage timestamp too old: %v", ts)
	}
}

func TestRecentPatientsDedupeAndCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		store.SaveRecentPatient(ctx, PatientRef{
			ID:   fmt.Sprintf("p%d", i),
			Name: fmt.Sprintf("Patient %d", i),
		})
	}

	got := store.RecentPatients(ctx)
	if len(got) != DefaultMaxRecentPatients {
		t.Fatalf("recent list length = %d, want %d", len(got), DefaultMaxRecentPatients)
	}
	if got[0].ID != "p14" {
		t.Errorf("front of list = %q, want most recent p14", got[0].ID)
	}

	// Re-access an older patient: moves to front, no duplicate.
	store.SaveRecentPatient(ctx, PatientRef{ID: "p10", Name: "Patient 10"})
	got = store.RecentPatients(ctx)
	if got[0].ID != "p10" {
		t.Errorf("re-accessed patient not at front, got %q", got[0].ID)
	}
	count := 0
	for _, p := range got {
		if p.ID == "p10" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("patient p10 appears %d times, want 1", count)
	}
}

func TestFailingStorageDegradesToEmpty(t *testing.T) {
	store := NewStore(failingStorage{}, DefaultConfig(), nil, nil)
	ctx := context.Background()

	// None of these may panic or propagate errors.
	m := mode.Acute
	store.Save(ctx, Patch{Mode: &m})
	store.RecordToolUsage(ctx, "x")
	store.SaveRecentPatient(ctx, PatientRef{ID: "p1"})

	if rec := store.Load(ctx); rec != nil {
		t.Error("failing storage should read as empty")
	}
	if got := store.RecentPatients(ctx); got != nil {
		t.Error("failing storage should yield no recent patients")
	}
	if _, ok := store.ToolLastUsed(ctx, "x"); ok {
		t.Error("failing storage should yield no usage")
	}
}

func TestDiscardedWritesCounted(t *testing.T) {
	m := &metrics.Metrics{
		SessionWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_write_errors_test_total",
		}),
	}
	store := NewStore(failingStorage{}, DefaultConfig(), m, nil)
	ctx := context.Background()

	md := mode.Acute
	store.Save(ctx, Patch{Mode: &md})

	if got := testutil.ToFloat64(m.SessionWriteErrors); got < 1 {
		t.Errorf("discarded writes counted = %v, want at least 1", got)
	}
}

func TestCorruptBlobDiscarded(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()

	storage.Set(ctx, KeySession, []byte("{not json"))
	if rec := store.Load(ctx); rec != nil {
		t.Fatal("corrupt blob should load as nil")
	}
	if _, err := storage.Get(ctx, KeySession); !errors.Is(err, ErrNotFound) {
		t.Error("corrupt blob should be deleted")
	}
}

func TestSavePersistsFlatKeys(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()

	m := mode.Acute
	locked := true
	store.Save(ctx, Patch{Mode: &m, Locked: &locked})

	if v, _ := storage.Get(ctx, KeyMode); string(v) != "acute" {
		t.Errorf("flat mode key = %q, want acute", v)
	}
	if v, _ := storage.Get(ctx, KeyLocked); string(v) != "true" {
		t.Errorf("flat lock key = %q, want true", v)
	}
}
