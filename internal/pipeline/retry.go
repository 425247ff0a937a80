package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/reconcile"

	"github.com/rs/zerolog/log"
)

// Retry replays a deferred write. It is the retry queue handler; any error
// sends the entry back to the queue.
func (p *Pipeline) Retry(ctx context.Context, w models.QueuedWrite) error {
	policy := p.OptionPolicy(w.Kind)

	switch w.DataType {
	case models.WriteMarket:
		var mw models.MarketWrite
		if err := json.Unmarshal(w.Payload, &mw); err != nil || mw.Question == nil {
			return fmt.Errorf("bad market payload for %s: %v", w.Target, err)
		}
		if err := p.retryQuestion(ctx, mw.Question); err != nil {
			return err
		}
		for _, o := range mw.Options {
			o.QuestionID = mw.Question.ID
			if err := p.retryOption(ctx, mw.Question, o, policy); err != nil {
				return err
			}
		}

	case models.WriteOption:
		var ow models.OptionWrite
		if err := json.Unmarshal(w.Payload, &ow); err != nil || ow.Option == nil {
			return fmt.Errorf("bad option payload for %s: %v", w.Target, err)
		}
		if ow.Option.QuestionID == 0 {
			if ow.Question == nil {
				return fmt.Errorf("option %s has no question to resolve", w.Target)
			}
			if err := p.retryQuestion(ctx, ow.Question); err != nil {
				return err
			}
			ow.Option.QuestionID = ow.Question.ID
		}
		if err := p.retryOption(ctx, ow.Question, ow.Option, policy); err != nil {
			return err
		}

	case models.WriteQuestion:
		var q models.Question
		if err := json.Unmarshal(w.Payload, &q); err != nil {
			return fmt.Errorf("bad question payload for %s: %v", w.Target, err)
		}
		if err := p.retryQuestion(ctx, &q); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown queued write type %q", w.DataType)
	}

	log.Info().
		Str("id", w.ID.String()).
		Str("data_type", string(w.DataType)).
		Str("target", w.Target).
		Int("retry_count", w.RetryCount).
		Msg("Deferred write reconciled")
	return nil
}

func (p *Pipeline) retryQuestion(ctx context.Context, q *models.Question) error {
	if _, err := p.engine.ReconcileQuestion(ctx, q, reconcile.PolicyUpsert); err != nil {
		return err
	}
	p.cacheRecord(ctx, cache.QuestionKey(q.EventID, q.MarketID, q.ID), q)
	return nil
}

func (p *Pipeline) retryOption(ctx context.Context, q *models.Question, o *models.Option, policy reconcile.Policy) error {
	if _, err := p.engine.ReconcileOption(ctx, o, policy); err != nil {
		return err
	}
	if q != nil {
		p.cacheRecord(ctx, cache.OptionKey(q.EventID, q.MarketID, o.SelectionID, o.OptionName), o)
	}
	return nil
}
