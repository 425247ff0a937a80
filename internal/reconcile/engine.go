// Package reconcile merges freshly mapped records into the persistent store.
//
// Each record is looked up by its business key, then updated or inserted.
// The store enforces uniqueness on every business key; an insert that loses
// a race to a concurrent reconciliation comes back as models.ErrDuplicateKey
// and is replayed as an update, so two pollers hitting the same new key end
// with exactly one row.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every store call
const DefaultTimeout = 5 * time.Second

// Policy decides what happens when a record already exists
type Policy string

const (
	// PolicyUpsert updates the mutable fields of an existing row
	PolicyUpsert Policy = "upsert"
	// PolicySkipIfExists leaves existing rows untouched
	PolicySkipIfExists Policy = "skip-if-exists"
)

// ParsePolicy validates a configured policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyUpsert, PolicySkipIfExists:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown reconcile policy %q", s)
}

// Result is the outcome of one reconciliation
type Result struct {
	Action models.Action
	ID     int64
}

// Store is the persistent store as seen by the engine. Find methods return
// nil, nil when nothing matches. Update methods return false when the stored
// row is newer than the record.
type Store interface {
	FindQuestion(ctx context.Context, q *models.Question) (*models.Question, error)
	InsertQuestion(ctx context.Context, q *models.Question) error
	UpdateQuestion(ctx context.Context, id int64, q *models.Question) (bool, error)

	FindOption(ctx context.Context, o *models.Option) (*models.Option, error)
	InsertOption(ctx context.Context, o *models.Option) error
	UpdateOption(ctx context.Context, id int64, o *models.Option) (bool, error)

	UpsertMatch(ctx context.Context, m *models.Match) (models.Action, error)
}

// Engine reconciles questions, options and matches against a Store
type Engine struct {
	store   Store
	timeout time.Duration
}

// NewEngine creates an engine. A zero timeout uses DefaultTimeout.
func NewEngine(store Store, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{store: store, timeout: timeout}
}

// ops adapts one record type to the generic reconcile algorithm
type ops struct {
	record string
	key    string
	find   func(ctx context.Context) (int64, bool, error)
	insert func(ctx context.Context) (int64, error)
	update func(ctx context.Context, id int64) (bool, error)
}

// ReconcileQuestion inserts or updates q. On success q.ID holds the row id.
func (e *Engine) ReconcileQuestion(ctx context.Context, q *models.Question, policy Policy) (Result, error) {
	res, err := e.reconcile(ctx, ops{
		record: "question",
		key:    q.Key(),
		find: func(ctx context.Context) (int64, bool, error) {
			found, err := e.store.FindQuestion(ctx, q)
			if err != nil || found == nil {
				return 0, false, err
			}
			return found.ID, true, nil
		},
		insert: func(ctx context.Context) (int64, error) {
			if err := e.store.InsertQuestion(ctx, q); err != nil {
				return 0, err
			}
			return q.ID, nil
		},
		update: func(ctx context.Context, id int64) (bool, error) {
			return e.store.UpdateQuestion(ctx, id, q)
		},
	}, policy)
	if err == nil {
		q.ID = res.ID
	}
	return res, err
}

// ReconcileOption inserts or updates o. On success o.ID holds the row id.
func (e *Engine) ReconcileOption(ctx context.Context, o *models.Option, policy Policy) (Result, error) {
	if o.QuestionID == 0 {
		return Result{}, fmt.Errorf("option %s has no question: %w", o.Key(), models.ErrMappingSkipped)
	}

	res, err := e.reconcile(ctx, ops{
		record: "option",
		key:    o.Key(),
		find: func(ctx context.Context) (int64, bool, error) {
			found, err := e.store.FindOption(ctx, o)
			if err != nil || found == nil {
				return 0, false, err
			}
			return found.ID, true, nil
		},
		insert: func(ctx context.Context) (int64, error) {
			if err := e.store.InsertOption(ctx, o); err != nil {
				return 0, err
			}
			return o.ID, nil
		},
		update: func(ctx context.Context, id int64) (bool, error) {
			return e.store.UpdateOption(ctx, id, o)
		},
	}, policy)
	if err == nil {
		o.ID = res.ID
	}
	return res, err
}

// ReconcileMatch registers or refreshes a match. The store performs this as
// a single atomic upsert on (api_event_id, api_market_id).
func (e *Engine) ReconcileMatch(ctx context.Context, m *models.Match) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	action, err := e.store.UpsertMatch(callCtx, m)
	if err != nil {
		return Result{}, e.persistErr("match", m.APIEventID+":"+m.APIMarketID, "upsert", err)
	}
	metrics.RecordReconcile("match", string(action))
	return Result{Action: action, ID: m.ID}, nil
}

func (e *Engine) reconcile(ctx context.Context, op ops, policy Policy) (Result, error) {
	id, found, err := e.find(ctx, op)
	if err != nil {
		return Result{}, e.persistErr(op.record, op.key, "find", err)
	}
	if found {
		return e.applyExisting(ctx, op, id, policy, false)
	}

	id, err = e.insert(ctx, op)
	if err == nil {
		metrics.RecordReconcile(op.record, string(models.ActionInserted))
		log.Debug().Str("record", op.record).Str("key", op.key).Int64("id", id).Msg("Inserted")
		return Result{Action: models.ActionInserted, ID: id}, nil
	}
	if !errors.Is(err, models.ErrDuplicateKey) {
		return Result{}, e.persistErr(op.record, op.key, "insert", err)
	}

	// Another reconciliation created the row between our find and insert.
	metrics.RecordReconcileConflict(op.record)
	log.Debug().Str("record", op.record).Str("key", op.key).Msg("Insert lost race, retrying as update")

	id, found, err = e.find(ctx, op)
	if err != nil {
		return Result{}, e.persistErr(op.record, op.key, "find", err)
	}
	if !found {
		return Result{}, e.persistErr(op.record, op.key, "find", errors.New("row missing after duplicate key"))
	}
	return e.applyExisting(ctx, op, id, policy, true)
}

// applyExisting updates the row at id. After a lost insert race the winner's
// row stands for this write too, so a rejected older update still counts as
// updated.
func (e *Engine) applyExisting(ctx context.Context, op ops, id int64, policy Policy, lostRace bool) (Result, error) {
	if policy == PolicySkipIfExists {
		metrics.RecordReconcile(op.record, string(models.ActionSkipped))
		return Result{Action: models.ActionSkipped, ID: id}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	applied, err := op.update(callCtx, id)
	if err != nil {
		return Result{}, e.persistErr(op.record, op.key, "update", err)
	}
	if !applied && !lostRace {
		log.Debug().Str("record", op.record).Str("key", op.key).Msg("Stored row is newer, update skipped")
		metrics.RecordReconcile(op.record, string(models.ActionSkipped))
		return Result{Action: models.ActionSkipped, ID: id}, nil
	}

	metrics.RecordReconcile(op.record, string(models.ActionUpdated))
	return Result{Action: models.ActionUpdated, ID: id}, nil
}

func (e *Engine) find(ctx context.Context, op ops) (int64, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return op.find(callCtx)
}

func (e *Engine) insert(ctx context.Context, op ops) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return op.insert(callCtx)
}

func (e *Engine) persistErr(record, key, step string, err error) error {
	metrics.RecordReconcile(record, string(models.ActionFailed))
	metrics.RecordError("reconcile", step)
	log.Warn().Err(err).Str("record", record).Str("key", key).Str("step", step).Msg("Reconciliation failed")
	return fmt.Errorf("%w: %s %s %s: %v", models.ErrPersistFailed, step, record, key, err)
}
