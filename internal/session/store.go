package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
)

// Persisted key layout. Backends see only these keys; the record itself is an
// opaque JSON blob.
const (
	KeyMode    = "mode"
	KeyLocked  = "modeLocked"
	KeySession = "session"
	KeyAudit   = "audit"
)

// DefaultTTL is one clinical shift.
const DefaultTTL = 8 * time.Hour

// DefaultMaxRecentPatients caps the recent-patient list.
const DefaultMaxRecentPatients = 10

// PatientRef is a recent-patient entry.
type PatientRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AccessedAt int64  `json:"accessed_at"`
}

// Record is the persisted session blob. SavedAt is epoch millis, stamped on
// every mutation; the TTL is enforced on read, never by a background timer.
type Record struct {
	SavedAt        int64                         `json:"saved_at"`
	Mode           mode.Mode                     `json:"mode"`
	Locked         bool                          `json:"is_locked"`
	PerModeUI      map[mode.Mode]json.RawMessage `json:"per_mode_ui,omitempty"`
	ToolUsage      map[string]int64              `json:"tool_usage,omitempty"`
	RecentPatients []PatientRef                  `json:"recent_patients,omitempty"`
}

// Patch is a partial update merged into the record by Save. Nil fields are
// left untouched.
type Patch struct {
	Mode      *mode.Mode
	Locked    *bool
	PerModeUI map[mode.Mode]json.RawMessage
}

// Config holds store configuration.
type Config struct {
	TTL               time.Duration
	MaxRecentPatients int
}

// DefaultConfig returns shift-length defaults.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTL,
		MaxRecentPatients: DefaultMaxRecentPatients,
	}
}

// Store persists session state through a Storage backend. Every backend error
// is swallowed: reads degrade to "no persisted data", writes are discarded
// with a warn log. In-memory engine state stays authoritative.
type Store struct {
	storage Storage
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// NewStore creates a session store over the given backend.
func NewStore(storage Storage, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxRecentPatients <= 0 {
		cfg.MaxRecentPatients = DefaultMaxRecentPatients
	}
	return &Store{
		storage: storage,
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Load returns the persisted record, or nil if none exists, it is expired, or
// the backend failed. An expired record is deleted before returning nil, so a
// second Load also returns nil.
func (s *Store) Load(ctx context.Context) *Record {
	raw, err := s.storage.Get(ctx, KeySession)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("session read failed, treating as empty", zap.Error(err))
		}
		return nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("session blob corrupt, discarding", zap.Error(err))
		s.deleteQuiet(ctx, KeySession)
		return nil
	}

	age := s.now().UnixMilli() - rec.SavedAt
	if age > s.config.TTL.Milliseconds() {
		s.logger.Info("session expired, resetting",
			zap.Duration("age", time.Duration(age)*time.Millisecond))
		s.deleteQuiet(ctx, KeySession)
		return nil
	}

	return &rec
}

// Save merges the patch into the persisted record and stamps SavedAt.
func (s *Store) Save(ctx context.Context, patch Patch) {
	rec := s.Load(ctx)
	if rec == nil {
		rec = &Record{}
	}

	if patch.Mode != nil {
		rec.Mode = *patch.Mode
		s.setQuiet(ctx, KeyMode, []byte(*patch.Mode))
	}
	if patch.Locked != nil {
		rec.Locked = *patch.Locked
		if *patch.Locked {
			s.setQuiet(ctx, KeyLocked, []byte("true"))
		} else {
			s.setQuiet(ctx, KeyLocked, []byte("false"))
		}
	}
	for m, ui := range patch.PerModeUI {
		if rec.PerModeUI == nil {
			rec.PerModeUI = make(map[mode.Mode]json.RawMessage)
		}
		rec.PerModeUI[m] = ui
	}

	s.writeRecord(ctx, rec)
}

// RecordToolUsage stamps the tool's last-used time.
func (s *Store) RecordToolUsage(ctx context.Context, toolID string) {
	rec := s.Load(ctx)
	if rec == nil {
		rec = &Record{}
	}
	if rec.ToolUsage == nil {
		rec.ToolUsage = make(map[string]int64)
	}
	rec.ToolUsage[toolID] = s.now().UnixMilli()
	s.writeRecord(ctx, rec)
}

// ToolLastUsed returns the tool's last-used time, if recorded.
func (s *Store) ToolLastUsed(ctx context.Context, toolID string) (time.Time, bool) {
	rec := s.Load(ctx)
	if rec == nil {
		return time.Time{}, false
	}
	ms, ok := rec.ToolUsage[toolID]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ToolUsage returns the full tool-usage map for scoring.
func (s *Store) ToolUsage(ctx context.Context) map[string]int64 {
	rec := s.Load(ctx)
	if rec == nil {
		return nil
	}
	return rec.ToolUsage
}

// SaveRecentPatient pushes the patient to the front of the recent list,
// deduplicating by id and capping the list length.
func (s *Store) SaveRecentPatient(ctx context.Context, p PatientRef) {
	rec := s.Load(ctx)
	if rec == nil {
		rec = &Record{}
	}

	p.AccessedAt = s.now().UnixMilli()
	out := make([]PatientRef, 0, len(rec.RecentPatients)+1)
	out = append(out, p)
	for _, existing := range rec.RecentPatients {
		if existing.ID == p.ID {
			continue
		}
		out = append(out, existing)
	}
	if len(out) > s.config.MaxRecentPatients {
		out = out[:s.config.MaxRecentPatients]
	}
	rec.RecentPatients = out

	s.writeRecord(ctx, rec)
}

// RecentPatients returns the recent-patient list, most recent first.
func (s *Store) RecentPatients(ctx context.Context) []PatientRef {
	rec := s.Load(ctx)
	if rec == nil {
		return nil
	}
	return rec.RecentPatients
}

func (s *Store) writeRecord(ctx context.Context, rec *Record) {
	rec.SavedAt = s.now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("session marshal failed, write discarded", zap.Error(err))
		if s.metrics != nil {
			s.metrics.SessionWriteErrors.Inc()
		}
		return
	}
	s.setQuiet(ctx, KeySession, raw)
}

func (s *Store) setQuiet(ctx context.Context, key string, value []byte) {
	if err := s.storage.Set(ctx, key, value); err != nil {
		s.logger.Warn("session write failed, discarded",
			zap.String("key", key), zap.Error(err))
		if s.metrics != nil {
			s.metrics.SessionWriteErrors.Inc()
		}
	}
}

func (s *Store) deleteQuiet(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Warn("session delete failed",
			zap.String("key", key), zap.Error(err))
	}
}
