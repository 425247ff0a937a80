// Package queue implements the durable retry queue for deferred writes.
//
// Entries live in a Redis list: enqueue appends at the tail, drain claims from
// the head into a processing list and acks once the entry is settled. A failed
// entry goes back to the tail with its retry count bumped, so ordering across
// retries is not preserved. Once an entry has failed MaxAttempts times it is
// abandoned and logged.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultName        = "queue:writes"
	DefaultMaxAttempts = 3
)

// ListStore is the FIFO list backing the queue
type ListStore interface {
	PushQueue(ctx context.Context, name string, value []byte) error
	ClaimQueue(ctx context.Context, name, processing string) ([]byte, bool, error)
	AckQueue(ctx context.Context, processing string, value []byte) error
	RestoreQueue(ctx context.Context, processing, name string) (int, error)
	QueueLen(ctx context.Context, name string) (int64, error)
}

// Handler replays one queued write. A nil error removes the entry.
type Handler func(ctx context.Context, w models.QueuedWrite) error

// Config controls retry behaviour
type Config struct {
	Name        string
	MaxAttempts int
	// BaseDelay, when positive, holds an entry back until
	// last_retry_time + BaseDelay*2^(retry_count-1)
	BaseDelay time.Duration
}

// DrainResult aggregates one drain pass
type DrainResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
	Deferred  int `json:"deferred"`
}

// Queue is safe for concurrent Enqueue and DrainOnce
type Queue struct {
	store   ListStore
	cfg     Config
	handler Handler
	now     func() time.Time
}

// New creates a queue. The handler may be set later with SetHandler.
func New(store ListStore, cfg Config, handler Handler) *Queue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: store, cfg: cfg, handler: handler, now: time.Now}
}

// SetHandler replaces the replay handler
func (q *Queue) SetHandler(h Handler) {
	q.handler = h
}

// Name returns the underlying list name
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Enqueue stores a new write with retry_count 0
func (q *Queue) Enqueue(ctx context.Context, dataType models.WriteType, kind models.Kind, target string, payload interface{}) (*models.QueuedWrite, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", dataType, err)
	}

	w := &models.QueuedWrite{
		ID:        uuid.New(),
		DataType:  dataType,
		Target:    target,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: q.now().UTC(),
	}
	if err := q.push(ctx, w); err != nil {
		return nil, err
	}

	metrics.RecordEnqueue(string(dataType))
	log.Info().
		Str("id", w.ID.String()).
		Str("data_type", string(dataType)).
		Str("target", target).
		Msg("Write deferred to retry queue")
	return w, nil
}

// processing names the list holding entries claimed by a drain
func (q *Queue) processing() string {
	return q.cfg.Name + ":processing"
}

// Recover returns entries left claimed by a drain that never finished to
// the head of the queue. Call it once at startup, before any drain runs.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.RestoreQueue(ctx, q.processing(), q.cfg.Name)
	if err != nil {
		return n, fmt.Errorf("failed to recover %s: %w", q.cfg.Name, err)
	}
	if n > 0 {
		log.Warn().Str("queue", q.cfg.Name).Int("entries", n).Msg("Recovered unfinished queue entries")
	}
	return n, nil
}

// Len returns the number of pending entries
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.store.QueueLen(ctx, q.cfg.Name)
	if err != nil {
		return 0, err
	}
	metrics.UpdateQueueDepth(n)
	return n, nil
}

// DrainOnce replays up to maxItems entries through the handler. Only the
// entries queued when the pass starts are visited, so an entry requeued by
// this pass waits for the next one.
func (q *Queue) DrainOnce(ctx context.Context, maxItems int) (DrainResult, error) {
	var res DrainResult
	if q.handler == nil {
		return res, fmt.Errorf("queue %s has no handler", q.cfg.Name)
	}

	pending, err := q.store.QueueLen(ctx, q.cfg.Name)
	if err != nil {
		return res, fmt.Errorf("failed to read length of %s: %w", q.cfg.Name, err)
	}
	limit := maxItems
	if pending < int64(limit) {
		limit = int(pending)
	}

	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		raw, ok, err := q.store.ClaimQueue(ctx, q.cfg.Name, q.processing())
		if err != nil {
			return res, fmt.Errorf("failed to claim from %s: %w", q.cfg.Name, err)
		}
		if !ok {
			break
		}

		var w models.QueuedWrite
		if err := json.Unmarshal(raw, &w); err != nil {
			// Unreadable entries can never succeed.
			res.Errors++
			res.Abandoned++
			metrics.RecordQueueOutcome("corrupt")
			log.Error().Err(err).Str("queue", q.cfg.Name).Msg("Dropping corrupt queue entry")
			q.ack(ctx, raw)
			continue
		}

		if q.deferred(&w) {
			if err := q.push(ctx, &w); err != nil {
				return res, err
			}
			res.Deferred++
			q.ack(ctx, raw)
			continue
		}

		q.process(ctx, &w, &res)
		q.ack(ctx, raw)
	}

	if _, err := q.Len(ctx); err != nil {
		log.Warn().Err(err).Str("queue", q.cfg.Name).Msg("Failed to read queue depth")
	}
	return res, nil
}

// ack releases a claimed entry once it has been settled
func (q *Queue) ack(ctx context.Context, raw []byte) {
	if err := q.store.AckQueue(ctx, q.processing(), raw); err != nil {
		metrics.RecordError("queue", "ack")
		log.Warn().Err(err).Str("queue", q.cfg.Name).Msg("Failed to release claimed entry")
	}
}

func (q *Queue) process(ctx context.Context, w *models.QueuedWrite, res *DrainResult) {
	err := q.handler(ctx, *w)
	if err == nil {
		res.Processed++
		metrics.RecordQueueOutcome("processed")
		log.Debug().Str("id", w.ID.String()).Int("retry_count", w.RetryCount).Msg("Queued write applied")
		return
	}

	res.Errors++
	now := q.now().UTC()
	w.RetryCount++
	w.LastRetryTime = &now
	w.LastError = err.Error()

	if w.RetryCount >= q.cfg.MaxAttempts {
		res.Abandoned++
		metrics.RecordQueueOutcome("abandoned")
		log.Error().
			Err(err).
			Str("id", w.ID.String()).
			Str("data_type", string(w.DataType)).
			Str("target", w.Target).
			Int("retry_count", w.RetryCount).
			Msg("Queued write permanently failed, abandoning")
		return
	}

	if pushErr := q.push(ctx, w); pushErr != nil {
		res.Abandoned++
		metrics.RecordQueueOutcome("lost")
		log.Error().Err(pushErr).Str("id", w.ID.String()).Msg("Failed to requeue write")
		return
	}
	res.Requeued++
	metrics.RecordQueueOutcome("requeued")
	log.Warn().
		Err(err).
		Str("id", w.ID.String()).
		Int("retry_count", w.RetryCount).
		Msg("Queued write failed, requeued")
}

// deferred reports whether w is still inside its backoff window
func (q *Queue) deferred(w *models.QueuedWrite) bool {
	if q.cfg.BaseDelay <= 0 || w.RetryCount == 0 || w.LastRetryTime == nil {
		return false
	}
	wait := q.cfg.BaseDelay * time.Duration(1<<uint(w.RetryCount-1))
	return q.now().Before(w.LastRetryTime.Add(wait))
}

func (q *Queue) push(ctx context.Context, w *models.QueuedWrite) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode queued write: %w", err)
	}
	if err := q.store.PushQueue(ctx, q.cfg.Name, raw); err != nil {
		metrics.RecordError("queue", "push")
		return fmt.Errorf("failed to push to %s: %w", q.cfg.Name, err)
	}
	return nil
}
