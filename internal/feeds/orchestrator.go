// Package feeds owns the live data subscriptions that follow the active mode.
// The orchestrator guarantees the at-most-one-handle-per-key invariant by
// tearing every open handle down before the next mode's feeds are opened, and
// by making every teardown idempotent.
package feeds

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/clinical"
	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
)

// Unsubscribe closes one feed. The orchestrator invokes it exactly once per
// opened subscription.
type Unsubscribe func()

// Sources carries the function-shaped external subscriptions. Implementations
// must deliver empty slices on error rather than failing; a broken feed must
// not prevent the others from being established.
type Sources struct {
	SubscribePatients   func(userID string, cb func([]clinical.Patient)) Unsubscribe
	SubscribeLabs       func(patientID string, cb func([]clinical.LabPanel)) Unsubscribe
	SubscribeLabHistory func(patientID string, cb func([]clinical.LabPanel)) Unsubscribe

	// PushBased reports whether the sources stream updates themselves. When
	// false, modes with a non-zero refresh rate get a polling ticker that
	// re-establishes the subscription at that cadence.
	PushBased bool
}

// Identity scopes the feeds to a clinician and optionally a selected patient.
type Identity struct {
	UserID    string
	PatientID string
}

// Handle is one live subscription. Cancellation is guarded so repeat calls
// are no-ops.
type Handle struct {
	Key string

	mu     sync.Mutex
	cancel Unsubscribe
	closed bool
	ticker *time.Ticker
	stop   chan struct{}
}

// swap replaces the current subscription generation during a poll tick. The
// outgoing generation's unsubscribe runs exactly once.
func (h *Handle) swap(open func() Unsubscribe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.cancel()
	h.cancel = open()
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.cancel()
	if h.ticker != nil {
		h.ticker.Stop()
		close(h.stop)
	}
}

// Orchestrator maintains the registry of open handles and the latest data
// they delivered.
type Orchestrator struct {
	registry *mode.Registry
	sources  Sources
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	handles map[string]*Handle

	dataMu   sync.RWMutex
	patients []clinical.Patient
	labs     []clinical.LabPanel
}

// NewOrchestrator creates an orchestrator with no open feeds.
func NewOrchestrator(registry *mode.Registry, sources Sources, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		sources:  sources,
		logger:   logger,
		metrics:  m,
		handles:  make(map[string]*Handle),
	}
}

// Rebuild tears down every open feed, then opens exactly the feed set the
// mode declares for the identity. The teardown completes before any new feed
// opens; the whole rebuild is synchronous.
func (o *Orchestrator) Rebuild(m mode.Mode, id Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.teardownLocked()

	cfg, ok := o.registry.Config(m)
	if !ok {
		o.logger.Warn("rebuild for unknown mode, feeds stay down", zap.String("mode", string(m)))
		return
	}

	pollEvery := time.Duration(0)
	if !o.sources.PushBased && cfg.RefreshRate > 0 {
		pollEvery = cfg.RefreshRate
	}

	switch m {
	case mode.Ward:
		o.openLocked(patientsKey(id.UserID), pollEvery, func() Unsubscribe {
			return o.sources.SubscribePatients(id.UserID, o.setPatients)
		})
	case mode.Acute:
		o.openLocked(patientsKey(id.UserID), pollEvery, func() Unsubscribe {
			return o.sources.SubscribePatients(id.UserID, o.setPatients)
		})
		if id.PatientID != "" {
			o.openLocked(labsKey(id.PatientID), pollEvery, func() Unsubscribe {
				return o.sources.SubscribeLabs(id.PatientID, o.setLabs)
			})
		}
	case mode.Clinic:
		if id.PatientID != "" {
			o.openLocked(labHistoryKey(id.PatientID), pollEvery, func() Unsubscribe {
				return o.sources.SubscribeLabHistory(id.PatientID, o.setLabs)
			})
		}
	}

	if o.metrics != nil {
		o.metrics.FeedRebuilds.Inc()
		o.metrics.FeedsOpen.Set(float64(len(o.handles)))
	}

	o.logger.Info("feeds rebuilt",
		zap.String("mode", string(m)),
		zap.String("user_id", id.UserID),
		zap.Int("open", len(o.handles)))
}

// TeardownAll closes every open feed. Idempotent.
func (o *Orchestrator) TeardownAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teardownLocked()
	if o.metrics != nil {
		o.metrics.FeedsOpen.Set(0)
	}
}

func (o *Orchestrator) teardownLocked() {
	for key, h := range o.handles {
		h.close()
		delete(o.handles, key)
	}

	o.dataMu.Lock()
	o.patients = nil
	o.labs = nil
	o.dataMu.Unlock()
}

func (o *Orchestrator) openLocked(key string, pollEvery time.Duration, open func() Unsubscribe) {
	if _, exists := o.handles[key]; exists {
		// Cannot happen after teardownLocked; guard the invariant anyway.
		o.logger.Error("duplicate feed key, refusing to open", zap.String("key", key))
		return
	}

	cancel := open()
	if cancel == nil {
		cancel = func() {}
	}

	h := &Handle{Key: key, cancel: cancel}
	if pollEvery > 0 {
		h.ticker = time.NewTicker(pollEvery)
		h.stop = make(chan struct{})
		go o.pollLoop(h, open)
	}
	o.handles[key] = h
}

func (o *Orchestrator) pollLoop(h *Handle, open func() Unsubscribe) {
	for {
		select {
		case <-h.stop:
			return
		case <-h.ticker.C:
			h.swap(open)
		}
	}
}

// OpenKeys returns the keys of currently open handles, sorted.
func (o *Orchestrator) OpenKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.handles))
	for k := range o.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Patients returns the latest patient list from the open feeds.
func (o *Orchestrator) Patients() []clinical.Patient {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	out := make([]clinical.Patient, len(o.patients))
	copy(out, o.patients)
	return out
}

// Labs returns the latest lab panels from the open feeds.
func (o *Orchestrator) Labs() []clinical.LabPanel {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	out := make([]clinical.LabPanel, len(o.labs))
	copy(out, o.labs)
	return out
}

func (o *Orchestrator) setPatients(ps []clinical.Patient) {
	o.dataMu.Lock()
	o.patients = ps
	o.dataMu.Unlock()
}

func (o *Orchestrator) setLabs(ls []clinical.LabPanel) {
	o.dataMu.Lock()
	o.labs = ls
	o.dataMu.Unlock()
}

func patientsKey(userID string) string      { return fmt.Sprintf("patients:%s", userID) }
func labsKey(patientID string) string       { return fmt.Sprintf("labs:%s", patientID) }
func labHistoryKey(patientID string) string { return fmt.Sprintf("labhistory:%s", patientID) }
