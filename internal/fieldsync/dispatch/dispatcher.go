// Package dispatch delivers queued mutations to the remote store.
//
// The dispatcher:
// 1. Accepts "sync key K" requests from the repository (EnqueueSyncWorker)
// 2. Runs at most one worker per key, different keys in parallel
// 3. Retries failed deliveries with exponential backoff
// 4. Drops a mutation after MaxRetries permanent failures
// 5. Sweeps the queue periodically so work survives restarts
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/identity"
	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/retry"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// Trigger schedules delivery of a key's queued mutations.
type Trigger interface {
	// EnqueueSyncWorker acknowledges that a sync attempt for key will
	// eventually run. It does not wait for the attempt.
	EnqueueSyncWorker(key string) error
}

// LocalStore is the queue bookkeeping the dispatcher needs from db.DB.
type LocalStore interface {
	PendingMutations(ctx context.Context, key string, now time.Time, limit int) ([]*schema.Mutation, error)
	PendingKeys(ctx context.Context, now time.Time) ([]string, error)
	MarkInProgress(ctx context.Context, ids []int64) error
	MarkSynced(ctx context.Context, ids []int64) (int, error)
	MarkFailed(ctx context.Context, ids []int64, lastErr string, next time.Time) error
	Reschedule(ctx context.Context, ids []int64, lastErr string, next time.Time) error
	DiscardMutation(ctx context.Context, m *schema.Mutation) error
	ResetInProgress(ctx context.Context) (int, error)
}

// Config holds configuration for the dispatcher.
type Config struct {
	// MaxRetries is how many permanent failures a mutation survives.
	MaxRetries int

	// Backoff between attempts of one key.
	Backoff retry.Backoff

	// PollInterval is how often the queue is swept for due keys.
	PollInterval time.Duration

	// BatchSize caps the mutations sent in one remote batch.
	BatchSize int

	// Concurrency caps the keys synced in parallel.
	Concurrency int

	// Metrics receives delivery counters. Default: unregistered counters
	Metrics *Metrics

	// Logger for dispatcher activity
	Logger *zerolog.Logger

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   5,
		Backoff:      retry.NewExponentialBackoff(time.Second, 5*time.Minute),
		PollInterval: 30 * time.Second,
		BatchSize:    500,
		Concurrency:  4,
	}
}

// Dispatcher runs sync workers per key.
type Dispatcher struct {
	local  LocalStore
	remote remote.Store
	users  identity.Provider
	config *Config
	logger zerolog.Logger

	mu       sync.Mutex
	queued   map[string]bool
	running  map[string]bool
	attempts map[string]int // consecutive transient failures per key
	timers   map[string]*time.Timer

	wake chan struct{}
	sem  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Use Start to begin delivering.
func New(local LocalStore, store remote.Store, users identity.Provider, config *Config) (*Dispatcher, error) {
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("identity provider cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Backoff == nil {
		config.Backoff = defaults.Backoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		local:    local,
		remote:   store,
		users:    users,
		config:   config,
		logger:   logging.Component(config.Logger, "dispatch"),
		queued:   make(map[string]bool),
		running:  make(map[string]bool),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, config.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// EnqueueSyncWorker implements Trigger. Keys queued before Start are
// picked up when the dispatcher starts.
func (d *Dispatcher) EnqueueSyncWorker(key string) error {
	if key == "" {
		return fmt.Errorf("sync key cannot be empty")
	}
	d.mu.Lock()
	d.queued[key] = true
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start begins the dispatcher's operation.
//
// In-progress rows left by a previous process are reset, the queue is swept
// once, and the worker loop runs until ctx is cancelled or Stop is called.
// This blocks until then.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info().Msg("starting dispatcher")

	n, err := d.local.ResetInProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset in-progress mutations: %w", err)
	}
	if n > 0 {
		d.logger.Info().Int("count", n).Msg("reset mutations left in progress")
	}

	d.sweep()

	d.wg.Add(1)
	go d.loop()

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the dispatcher, waiting for in-flight workers.
func (d *Dispatcher) Stop() error {
	d.cancel()

	d.mu.Lock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
	return nil
}

// loop starts workers for queued keys when woken and sweeps on a ticker.
func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		d.dispatchQueued()

		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep queues every key whose backoff has elapsed.
func (d *Dispatcher) sweep() {
	keys, err := d.local.PendingKeys(d.ctx, d.config.Now())
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("failed to sweep mutation queue")
		}
		return
	}
	if len(keys) == 0 {
		return
	}
	d.mu.Lock()
	for _, key := range keys {
		d.queued[key] = true
	}
	d.mu.Unlock()
}

// dispatchQueued starts a worker for each queued key that is not already
// running, as long as worker slots are free.
func (d *Dispatcher) dispatchQueued() {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.queued))
	for key := range d.queued {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if d.running[key] {
			continue
		}
		select {
		case d.sem <- struct{}{}:
		default:
			return
		}
		delete(d.queued, key)
		d.running[key] = true

		d.wg.Add(1)
		go d.worker(key)
	}
}

func (d *Dispatcher) worker(key string) {
	defer d.wg.Done()
	defer func() {
		<-d.sem
		d.mu.Lock()
		delete(d.running, key)
		d.mu.Unlock()
		d.signal()
	}()

	if err := d.SyncKey(d.ctx, key); err != nil && d.ctx.Err() == nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("sync attempt failed")
	}
}

// retryLater re-queues key after delay.
func (d *Dispatcher) retryLater(key string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		_ = d.EnqueueSyncWorker(key)
	})
}
