package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/clinical"
	"github.com/balhaddad-sys/medward/internal/feeds"
)

// FeedConfig holds configuration for the clinical feed consumer
type FeedConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID, unique per workstation
	GroupID string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
}

// DefaultFeedConfig returns defaults for workstation feed consumption.
func DefaultFeedConfig(groupID string) FeedConfig {
	return FeedConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             groupID,
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
	}
}

// FeedSource consumes the compacted ward data topics and fans records out
// to feed subscribers by key. It implements the push side of feeds.Sources:
// patient list snapshots are keyed by user ID, lab snapshots by patient ID.
// A new subscriber immediately receives the cached snapshot for its key, so
// mode changes render without waiting for the next broker message.
type FeedSource struct {
	client *kgo.Client
	config FeedConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	nextSubID   int
	patientSubs map[string]map[int]func([]clinical.Patient)
	labSubs     map[string]map[int]func([]clinical.LabPanel)
	historySubs map[string]map[int]func([]clinical.LabPanel)

	patientCache map[string][]clinical.Patient
	labCache     map[string][]clinical.LabPanel
	historyCache map[string][]clinical.LabPanel
}

// NewFeedSource creates a consumer over the ward data topics. Offsets reset
// to the start; the topics are compacted, so that replays one snapshot per
// key rather than unbounded history.
func NewFeedSource(cfg FeedConfig, logger *zap.Logger) (*FeedSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(TopicPatients, TopicLabs, TopicLabHistory),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FeedSource{
		client:       client,
		config:       cfg,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		patientSubs:  make(map[string]map[int]func([]clinical.Patient)),
		labSubs:      make(map[string]map[int]func([]clinical.LabPanel)),
		historySubs:  make(map[string]map[int]func([]clinical.LabPanel)),
		patientCache: make(map[string][]clinical.Patient),
		labCache:     make(map[string][]clinical.LabPanel),
		historyCache: make(map[string][]clinical.LabPanel),
	}, nil
}

// Start begins consuming in the background.
func (f *FeedSource) Start() {
	f.wg.Add(1)
	go f.consumeLoop()
	f.logger.Info("feed source started",
		zap.Strings("brokers", f.config.Brokers),
		zap.String("group", f.config.GroupID))
}

// Sources exposes the feed source to the subscription orchestrator.
func (f *FeedSource) Sources() feeds.Sources {
	return feeds.Sources{
		SubscribePatients:   f.subscribePatients,
		SubscribeLabs:       f.subscribeLabs,
		SubscribeLabHistory: f.subscribeLabHistory,
		PushBased:           true,
	}
}

// Close stops the consume loop and releases the client.
func (f *FeedSource) Close() {
	f.cancel()
	f.wg.Wait()
	f.client.Close()
}

func (f *FeedSource) consumeLoop() {
	defer f.wg.Done()

	for {
		fetches := f.client.PollFetches(f.ctx)
		if f.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			f.logger.Warn("feed fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachRecord(f.dispatch)
	}
}

// dispatch decodes one record and fans it out. Malformed payloads are
// logged and skipped; subscribers keep their previous snapshot.
func (f *FeedSource) dispatch(r *kgo.Record) {
	key := string(r.Key)
	if key == "" {
		f.logger.Warn("feed record without key", zap.String("topic", r.Topic))
		return
	}

	switch r.Topic {
	case TopicPatients:
		var patients []clinical.Patient
		if err := json.Unmarshal(r.Value, &patients); err != nil {
			f.logger.Warn("malformed patient snapshot",
				zap.String("key", key), zap.Error(err))
			return
		}
		f.deliverPatients(key, patients)
	case TopicLabs:
		var panels []clinical.LabPanel
		if err := json.Unmarshal(r.Value, &panels); err != nil {
			f.logger.Warn("malformed lab snapshot",
				zap.String("key", key), zap.Error(err))
			return
		}
		f.deliverLabs(key, panels)
	case TopicLabHistory:
		var panels []clinical.LabPanel
		if err := json.Unmarshal(r.Value, &panels); err != nil {
			f.logger.Warn("malformed lab history snapshot",
				zap.String("key", key), zap.Error(err))
			return
		}
		f.deliverLabHistory(key, panels)
	}
}

func (f *FeedSource) deliverPatients(key string, patients []clinical.Patient) {
	f.mu.Lock()
	f.patientCache[key] = patients
	subs := make([]func([]clinical.Patient), 0, len(f.patientSubs[key]))
	for _, cb := range f.patientSubs[key] {
		subs = append(subs, cb)
	}
	f.mu.Unlock()

	for _, cb := range subs {
		cb(patients)
	}
}

func (f *FeedSource) deliverLabs(key string, panels []clinical.LabPanel) {
	f.mu.Lock()
	f.labCache[key] = panels
	subs := make([]func([]clinical.LabPanel), 0, len(f.labSubs[key]))
	for _, cb := range f.labSubs[key] {
		subs = append(subs, cb)
	}
	f.mu.Unlock()

	for _, cb := range subs {
		cb(panels)
	}
}

func (f *FeedSource) deliverLabHistory(key string, panels []clinical.LabPanel) {
	f.mu.Lock()
	f.historyCache[key] = panels
	subs := make([]func([]clinical.LabPanel), 0, len(f.historySubs[key]))
	for _, cb := range f.historySubs[key] {
		subs = append(subs, cb)
	}
	f.mu.Unlock()

	for _, cb := range subs {
		cb(panels)
	}
}

func (f *FeedSource) subscribePatients(userID string, cb func([]clinical.Patient)) feeds.Unsubscribe {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.patientSubs[userID] == nil {
		f.patientSubs[userID] = make(map[int]func([]clinical.Patient))
	}
	f.patientSubs[userID][id] = cb
	cached, ok := f.patientCache[userID]
	f.mu.Unlock()

	if ok {
		cb(cached)
	}
	return func() {
		f.mu.Lock()
		delete(f.patientSubs[userID], id)
		f.mu.Unlock()
	}
}

func (f *FeedSource) subscribeLabs(patientID string, cb func([]clinical.LabPanel)) feeds.Unsubscribe {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.labSubs[patientID] == nil {
		f.labSubs[patientID] = make(map[int]func([]clinical.LabPanel))
	}
	f.labSubs[patientID][id] = cb
	cached, ok := f.labCache[patientID]
	f.mu.Unlock()

	if ok {
		cb(cached)
	}
	return func() {
		f.mu.Lock()
		delete(f.labSubs[patientID], id)
		f.mu.Unlock()
	}
}

func (f *FeedSource) subscribeLabHistory(patientID string, cb func([]clinical.LabPanel)) feeds.Unsubscribe {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.historySubs[patientID] == nil {
		f.historySubs[patientID] = make(map[int]func([]clinical.LabPanel))
	}
	f.historySubs[patientID][id] = cb
	cached, ok := f.historyCache[patientID]
	f.mu.Unlock()

	if ok {
		cb(cached)
	}
	return func() {
		f.mu.Lock()
		delete(f.historySubs[patientID], id)
		f.mu.Unlock()
	}
}
