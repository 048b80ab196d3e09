package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// farFuture makes every queued key due, ignoring backoff.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// SyncKey delivers the queued mutations of key in batches, oldest first,
// until the queue for key is empty, an attempt fails, or the next mutation
// is still backing off. Failed mutations stay queued with their next
// attempt scheduled.
func (d *Dispatcher) SyncKey(ctx context.Context, key string) error {
	return d.syncKey(ctx, key, d.config.Now())
}

func (d *Dispatcher) syncKey(ctx context.Context, key string, now time.Time) error {
	for {
		batch, err := d.local.PendingMutations(ctx, key, now, d.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load queued mutations: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := d.deliver(ctx, key, batch); err != nil {
			return err
		}
		d.mu.Lock()
		delete(d.attempts, key)
		d.mu.Unlock()
	}
}

// SyncAll delivers every queued key once, ignoring backoff when force is
// set. Keys already being synced by a worker are skipped. Errors of
// individual keys are joined.
func (d *Dispatcher) SyncAll(ctx context.Context, force bool) error {
	now := d.config.Now()
	if force {
		now = farFuture
	}
	keys, err := d.local.PendingKeys(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list queued keys: %w", err)
	}

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.claim(key) {
			continue
		}
		err := d.syncKey(ctx, key, now)
		d.release(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[key] {
		return false
	}
	d.running[key] = true
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	delete(d.running, key)
	d.mu.Unlock()
}

// deliver sends one batch. It returns nil only when every mutation in the
// batch was accepted.
func (d *Dispatcher) deliver(ctx context.Context, key string, batch []*schema.Mutation) error {
	user, err := d.users.CurrentUser()
	if err != nil {
		return fmt.Errorf("failed to resolve current user: %w", err)
	}

	ids := make([]int64, len(batch))
	byID := make(map[int64]*schema.Mutation, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	if err := d.local.MarkInProgress(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark mutations in progress: %w", err)
	}

	// Bookkeeping must land even when the attempt was cancelled.
	bctx := context.WithoutCancel(ctx)

	report, err := d.remote.ApplyMutations(ctx, batch, user)
	if err != nil {
		if remote.IsTransient(err) {
			d.config.Metrics.Attempts.WithLabelValues(resultTransient).Inc()
			return d.rescheduleKey(bctx, key, batch, err)
		}
		d.config.Metrics.Attempts.WithLabelValues(resultFailed).Inc()
		d.logger.Warn().Err(err).Str("key", key).Int("count", len(batch)).Msg("batch rejected by remote store")
		if ferr := d.fail(bctx, key, batch, err.Error()); ferr != nil {
			return ferr
		}
		return fmt.Errorf("batch rejected: %w", err)
	}

	purged, err := d.local.MarkSynced(bctx, report.Applied)
	if err != nil {
		return fmt.Errorf("failed to mark mutations synced: %w", err)
	}
	d.config.Metrics.Synced.Add(float64(len(report.Applied)))
	for _, id := range report.Applied {
		delete(byID, id)
	}
	if len(report.Applied) > 0 {
		d.logger.Debug().Str("key", key).Int("applied", len(report.Applied)).Int("purged", purged).Msg("mutations synced")
	}

	var rejected []*schema.Mutation
	reasons := make(map[int64]string)
	for _, r := range append(report.Skipped, report.Failed...) {
		m, ok := byID[r.MutationID]
		if !ok {
			continue
		}
		delete(byID, r.MutationID)
		rejected = append(rejected, m)
		reasons[m.ID] = r.Reason
	}
	if report.Partial() {
		d.logger.Warn().Str("key", key).
			Int("applied", len(report.Applied)).
			Int("failed", len(report.Failed)).
			Msg("remote store applied batch partially")
	}

	// Mutations the report does not mention were never attempted.
	var unaccounted []*schema.Mutation
	for _, m := range batch {
		if _, ok := byID[m.ID]; ok {
			unaccounted = append(unaccounted, m)
		}
	}

	if len(rejected) == 0 && len(unaccounted) == 0 {
		d.config.Metrics.Attempts.WithLabelValues(resultOK).Inc()
		d.mu.Lock()
		delete(d.attempts, key)
		d.mu.Unlock()
		return nil
	}

	if len(report.Applied) > 0 {
		d.config.Metrics.Attempts.WithLabelValues(resultPartial).Inc()
	} else {
		d.config.Metrics.Attempts.WithLabelValues(resultFailed).Inc()
	}

	for _, m := range rejected {
		if err := d.fail(bctx, key, []*schema.Mutation{m}, reasons[m.ID]); err != nil {
			return err
		}
	}
	if len(unaccounted) > 0 {
		if err := d.rescheduleKey(bctx, key, unaccounted, fmt.Errorf("not reported by remote store")); err != nil {
			return err
		}
	}
	return fmt.Errorf("%d of %d mutations not synced", len(rejected)+len(unaccounted), len(batch))
}

// rescheduleKey records a transient failure for the whole of mutations. The
// retry budget is left untouched.
func (d *Dispatcher) rescheduleKey(ctx context.Context, key string, mutations []*schema.Mutation, cause error) error {
	d.mu.Lock()
	d.attempts[key]++
	attempt := d.attempts[key]
	d.mu.Unlock()

	delay := d.config.Backoff.Delay(attempt)
	next := d.config.Now().Add(delay)

	ids := make([]int64, len(mutations))
	for i, m := range mutations {
		ids[i] = m.ID
	}
	if err := d.local.Reschedule(ctx, ids, cause.Error(), next); err != nil {
		return fmt.Errorf("failed to reschedule mutations: %w", err)
	}
	d.config.Metrics.Retried.Add(float64(len(ids)))
	d.retryLater(key, delay)

	d.logger.Debug().Err(cause).Str("key", key).Int("attempt", attempt).Dur("delay", delay).Msg("remote unavailable, will retry")
	return fmt.Errorf("remote unavailable: %w", cause)
}

// fail counts a permanent failure against each mutation. Mutations out of
// retries are dropped from the queue.
func (d *Dispatcher) fail(ctx context.Context, key string, mutations []*schema.Mutation, reason string) error {
	var retryIn time.Duration
	for _, m := range mutations {
		if m.RetryCount+1 >= d.config.MaxRetries {
			if err := d.local.DiscardMutation(ctx, m); err != nil {
				return fmt.Errorf("failed to discard mutation %d: %w", m.ID, err)
			}
			d.config.Metrics.FailedTerminal.Inc()
			d.logger.Error().
				Str("key", key).
				Int64("mutation", m.ID).
				Str("type", string(m.Type)).
				Str("observation", m.ObservationID).
				Int("attempts", m.RetryCount+1).
				Str("reason", reason).
				Msg("mutation dropped after exhausting retries")
			continue
		}

		delay := d.config.Backoff.Delay(m.RetryCount + 1)
		if err := d.local.MarkFailed(ctx, []int64{m.ID}, reason, d.config.Now().Add(delay)); err != nil {
			return fmt.Errorf("failed to record failure of mutation %d: %w", m.ID, err)
		}
		d.config.Metrics.Retried.Inc()
		if delay > retryIn {
			retryIn = delay
		}
	}
	if retryIn > 0 {
		d.retryLater(key, retryIn)
	}
	return nil
}
