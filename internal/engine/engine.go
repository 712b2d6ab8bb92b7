package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/audit"
	"github.com/balhaddad-sys/medward/internal/domain/clinical"
	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/feeds"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
	"github.com/balhaddad-sys/medward/internal/relevance"
	"github.com/balhaddad-sys/medward/internal/session"
)

// Config holds engine configuration.
type Config struct {
	// UserID identifies the signed-in clinician, used to key the patient
	// list feed.
	UserID string
	// InitialMode is the fallback when no session survives restart.
	InitialMode mode.Mode
	// Machine holds transition timing.
	Machine MachineConfig
	// Weights tunes tool relevance scoring.
	Weights relevance.Weights
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig(userID string) Config {
	return Config{
		UserID:      userID,
		InitialMode: mode.Ward,
		Machine:     DefaultMachineConfig(),
		Weights:     relevance.DefaultWeights(),
	}
}

// ScoredTool pairs a catalog tool with its relevance score.
type ScoredTool struct {
	mode.Tool
	Score float64 `json:"score"`
}

// Snapshot is the engine state served to clients.
type Snapshot struct {
	Mode              mode.Mode         `json:"mode"`
	PreviousMode      mode.Mode         `json:"previousMode,omitempty"`
	Locked            bool              `json:"locked"`
	Transitioning     bool              `json:"transitioning"`
	Theme             mode.ThemeID      `json:"theme"`
	Label             string            `json:"label"`
	RefreshRateMS     int64             `json:"refreshRateMs"`
	Features          mode.FeatureFlags `json:"features"`
	Recommended       []mode.Mode       `json:"recommended"`
	SelectedPatientID string            `json:"selectedPatientId,omitempty"`
	OpenFeeds         []string          `json:"openFeeds"`
}

// Engine composes the mode machine, the feed orchestrator, session
// persistence, audit, and tool scoring behind one surface. A mode change
// flows: machine accepts, session and audit record the intent, and on
// commit the orchestrator swaps the data subscriptions.
type Engine struct {
	config       Config
	registry     *mode.Registry
	catalog      []mode.Tool
	orchestrator *feeds.Orchestrator
	store        *session.Store
	trail        *audit.Trail
	metrics      *metrics.Metrics
	logger       *zap.Logger

	machine *Machine

	mu                sync.RWMutex
	selectedPatientID string
	suspectedDiag     string
	started           bool
}

// New wires an engine. Start must be called before use.
func New(cfg Config, registry *mode.Registry, catalog []mode.Tool, sources feeds.Sources, store *session.Store, trail *audit.Trail, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := mode.ValidateCatalog(catalog, registry); err != nil {
		return nil, err
	}
	if !cfg.InitialMode.IsValid() {
		cfg.InitialMode = mode.Ward
	}

	return &Engine{
		config:       cfg,
		registry:     registry,
		catalog:      catalog,
		orchestrator: feeds.NewOrchestrator(registry, sources, m, logger.Named("feeds")),
		store:        store,
		trail:        trail,
		metrics:      m,
		logger:       logger,
	}, nil
}

// Start restores the previous session, builds the mode machine in the
// restored mode, and opens the feeds for it. A stale or missing session
// falls back to the configured initial mode, unlocked.
func (e *Engine) Start(ctx context.Context) error {
	initial := e.config.InitialMode
	locked := false

	if rec := e.store.Load(ctx); rec != nil {
		if rec.Mode.IsValid() {
			initial = rec.Mode
		}
		locked = rec.Locked
		e.logger.Info("session restored",
			zap.String("mode", string(initial)),
			zap.Bool("locked", locked))
	} else {
		e.logger.Info("no usable session, starting fresh",
			zap.String("mode", string(initial)))
	}

	e.machine = NewMachine(e.registry, initial, e.config.Machine, Hooks{
		OnStart:  e.onTransitionStart,
		OnCommit: e.onTransitionCommit,
	}, e.metrics, e.logger.Named("machine"))
	if locked {
		e.machine.SetLocked(true)
	}

	e.orchestrator.Rebuild(initial, e.identity())

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) identity() feeds.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return feeds.Identity{
		UserID:    e.config.UserID,
		PatientID: e.selectedPatientID,
	}
}

// onTransitionStart records the intent before the settle window elapses, so
// a crash mid-transition restores into the requested mode.
func (e *Engine) onTransitionStart(ev TransitionEvent) {
	ctx := context.Background()
	next := ev.To
	e.store.Save(ctx, session.Patch{Mode: &next})

	e.mu.RLock()
	patientID := e.selectedPatientID
	e.mu.RUnlock()

	e.trail.Record(ctx, audit.Entry{
		From:      ev.From,
		To:        ev.To,
		PatientID: patientID,
		Override:  ev.Override,
		Timestamp: ev.At.UnixMilli(),
	})

	if ev.Override {
		locked := false
		e.store.Save(ctx, session.Patch{Locked: &locked})
	}
}

func (e *Engine) onTransitionCommit(ev TransitionEvent) {
	e.orchestrator.Rebuild(ev.To, e.identity())
}

// SetMode requests a mode change. The result reflects machine validation;
// a rejected request leaves every subsystem untouched.
func (e *Engine) SetMode(next mode.Mode) bool {
	return e.machine.SetMode(next)
}

// ToggleLock flips the mode lock and persists the new value.
func (e *Engine) ToggleLock(ctx context.Context) bool {
	locked := e.machine.ToggleLock()
	e.store.Save(ctx, session.Patch{Locked: &locked})
	return locked
}

// RequestOverride starts a hold-to-override toward next.
func (e *Engine) RequestOverride(next mode.Mode, hold time.Duration) *OverrideHold {
	return e.machine.RequestLockedOverride(next, hold)
}

// Snapshot assembles the full client-facing state.
func (e *Engine) Snapshot() Snapshot {
	st := e.machine.State()
	cfg, _ := e.registry.Config(st.CurrentMode)

	e.mu.RLock()
	patientID := e.selectedPatientID
	e.mu.RUnlock()

	return Snapshot{
		Mode:              st.CurrentMode,
		PreviousMode:      st.PreviousMode,
		Locked:            st.Locked,
		Transitioning:     st.Transitioning,
		Theme:             cfg.Theme,
		Label:             cfg.Label,
		RefreshRateMS:     cfg.RefreshRate.Milliseconds(),
		Features:          cfg.Features,
		Recommended:       e.machine.Recommended(),
		SelectedPatientID: patientID,
		OpenFeeds:         e.orchestrator.OpenKeys(),
	}
}

// SelectPatient sets the active patient, records them in the recent list,
// and reopens patient-scoped feeds in place.
func (e *Engine) SelectPatient(ctx context.Context, patientID, name string) {
	e.mu.Lock()
	e.selectedPatientID = patientID
	e.mu.Unlock()

	e.store.SaveRecentPatient(ctx, session.PatientRef{
		ID:         patientID,
		Name:       name,
		AccessedAt: time.Now().UnixMilli(),
	})

	e.orchestrator.Rebuild(e.machine.State().CurrentMode, e.identity())
}

// ClearPatient drops the active patient and closes patient-scoped feeds.
func (e *Engine) ClearPatient() {
	e.mu.Lock()
	e.selectedPatientID = ""
	e.mu.Unlock()

	e.orchestrator.Rebuild(e.machine.State().CurrentMode, e.identity())
}

// SetSuspectedDiagnosis updates the working diagnosis used for scoring.
func (e *Engine) SetSuspectedDiagnosis(diagnosis string) {
	e.mu.Lock()
	e.suspectedDiag = diagnosis
	e.mu.Unlock()
}

// SortedTools scores the catalog against the live clinical context and
// returns it in descending relevance order.
func (e *Engine) SortedTools(ctx context.Context) []ScoredTool {
	start := time.Now()

	e.mu.RLock()
	patientID := e.selectedPatientID
	diagnosis := e.suspectedDiag
	e.mu.RUnlock()

	st := e.machine.State()
	sctx := relevance.Context{
		Mode:               st.CurrentMode,
		SelectedPatientID:  patientID,
		SuspectedDiagnosis: diagnosis,
		CriticalLabs:       clinical.CriticalAnalytes(e.orchestrator.Labs()),
		PatientConditions:  e.patientConditions(patientID),
		NowMillis:          time.Now().UnixMilli(),
		ToolUsage:          e.store.ToolUsage(ctx),
	}

	out := make([]ScoredTool, 0, len(e.catalog))
	for _, t := range e.catalog {
		out = append(out, ScoredTool{Tool: t, Score: relevance.Score(t, sctx, e.config.Weights)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if e.metrics != nil {
		e.metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}
	return out
}

func (e *Engine) patientConditions(patientID string) []string {
	if patientID == "" {
		return nil
	}
	for _, p := range e.orchestrator.Patients() {
		if p.ID == patientID {
			return p.Conditions
		}
	}
	return nil
}

// RecordToolUsage stamps a tool launch for recency scoring.
func (e *Engine) RecordToolUsage(ctx context.Context, toolID string) bool {
	for _, t := range e.catalog {
		if t.ID == toolID {
			e.store.RecordToolUsage(ctx, toolID)
			return true
		}
	}
	e.logger.Debug("usage recorded for unknown tool", zap.String("tool", toolID))
	return false
}

// RecentPatients returns the restored recent-patient list, newest first.
func (e *Engine) RecentPatients(ctx context.Context) []session.PatientRef {
	return e.store.RecentPatients(ctx)
}

// AuditEntries returns the retained audit trail, oldest first.
func (e *Engine) AuditEntries(ctx context.Context) []audit.Entry {
	return e.trail.Entries(ctx)
}

// Healthy reports whether the engine is started and serving.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// Close tears down the machine and every open feed. The audit trail and
// session backend are owned by the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	if e.machine != nil {
		e.machine.Close()
	}
	e.orchestrator.TeardownAll()
	e.logger.Info("engine closed")
}
