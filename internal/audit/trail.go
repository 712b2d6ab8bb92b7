// Package audit records mode transitions for ward governance review. The
// trail is kept in session storage, capped to the most recent entries, and
// optionally fanned out to a broker off the interaction path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
	"github.com/balhaddad-sys/medward/internal/session"
	"github.com/balhaddad-sys/medward/pkg/workerpool"
)

// DefaultMaxEntries caps the locally retained trail. The broker keeps full
// history; local entries only back the recent-activity view.
const DefaultMaxEntries = 50

// Entry is one recorded mode transition.
type Entry struct {
	ID        string    `json:"id"`
	From      mode.Mode `json:"from"`
	To        mode.Mode `json:"to"`
	PatientID string    `json:"patientId,omitempty"`
	Override  bool      `json:"override,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Publisher ships an encoded entry to an external sink.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds trail configuration.
type Config struct {
	MaxEntries int
	Topic      string
	Pool       workerpool.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: DefaultMaxEntries,
		Topic:      "ward.audit",
		Pool:       workerpool.DefaultConfig(),
	}
}

// Trail is the mode-change audit log. Record never blocks on the broker
// and never fails the caller: local persistence is fail-soft and broker
// dispatch runs on a worker pool.
type Trail struct {
	storage   session.Storage
	publisher Publisher
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	pool      *workerpool.Pool

	mu  sync.Mutex
	now func() time.Time
}

// NewTrail creates a trail. publisher may be nil for standalone
// workstations; entries are then local only.
func NewTrail(storage session.Storage, publisher Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Trail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}

	t := &Trail{
		storage:   storage,
		publisher: publisher,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}

	if publisher != nil {
		pool, err := workerpool.New(cfg.Pool, t.dispatch, logger.Named("audit-pool"))
		if err != nil {
			return nil, err
		}
		t.pool = pool
		pool.Start()
	}

	return t, nil
}

// Record appends an entry to the trail. The entry ID and timestamp are
// assigned here when unset.
func (t *Trail) Record(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = t.now().UnixMilli()
	}

	t.mu.Lock()
	entries := t.load(ctx)
	entries = append(entries, e)
	if len(entries) > t.config.MaxEntries {
		entries = entries[len(entries)-t.config.MaxEntries:]
	}
	t.persist(ctx, entries)
	t.mu.Unlock()

	if t.pool != nil {
		if err := t.pool.Submit(&workerpool.Task{ID: e.ID, Payload: e}); err != nil {
			t.logger.Warn("audit dispatch dropped", zap.String("id", e.ID), zap.Error(err))
			if t.metrics != nil {
				t.metrics.AuditDropped.Inc()
			}
		}
	}
	return e
}

// Entries returns the retained trail, oldest first.
func (t *Trail) Entries(ctx context.Context) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(ctx)
}

// DispatchStats returns the dispatch pool counters. Zero for standalone
// trails without a pool.
func (t *Trail) DispatchStats() workerpool.Stats {
	if t.pool == nil {
		return workerpool.Stats{}
	}
	return t.pool.Stats()
}

// Healthy reports whether the dispatch pool has queue headroom. A standalone
// trail with no pool is always healthy.
func (t *Trail) Healthy() bool {
	if t.pool == nil {
		return true
	}
	return t.pool.IsHealthy()
}

// Close drains the dispatch pool.
func (t *Trail) Close() {
	if t.pool != nil {
		t.pool.Stop()
	}
}

// dispatch is the worker function shipping one entry to the broker.
func (t *Trail) dispatch(ctx context.Context, task *workerpool.Task) error {
	entry, ok := task.Payload.(Entry)
	if !ok {
		t.logger.Error("unexpected audit task payload", zap.String("id", task.ID))
		return nil
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := t.publisher.Publish(ctx, t.config.Topic, entry.ID, value); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.AuditPublished.Inc()
	}
	return nil
}

// load reads the stored trail, treating missing or corrupt data as empty.
func (t *Trail) load(ctx context.Context) []Entry {
	raw, err := t.storage.Get(ctx, session.KeyAudit)
	if err != nil {
		if err != session.ErrNotFound {
			t.logger.Warn("failed to read audit trail", zap.Error(err))
		}
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.logger.Warn("discarding corrupt audit trail", zap.Error(err))
		return nil
	}
	return entries
}

func (t *Trail) persist(ctx context.Context, entries []Entry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		t.logger.Warn("failed to encode audit trail", zap.Error(err))
		return
	}
	if err := t.storage.Set(ctx, session.KeyAudit, raw); err != nil {
		t.logger.Warn("failed to persist audit trail", zap.Error(err))
	}
}
