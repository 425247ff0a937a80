// Package pipeline runs one fetch, cache and reconcile cycle for an
// odds feed key.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/client"
	"oddsfeed/ingestion/internal/mapper"
	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/reconcile"

	"github.com/rs/zerolog/log"
)

// Where a run's payload came from
const (
	SourceAPI      = "api"
	SourceCache    = "cache"
	SourceFallback = "cache-fallback"
)

// Source is the odds API
type Source interface {
	FetchOdds(ctx context.Context, kind models.Kind, eventID, marketID string) ([]byte, error)
	FetchCompetitions(ctx context.Context, sportID string) ([]models.CompetitionInput, error)
	FetchEvents(ctx context.Context, sportID, competitionID string) ([]models.EventInput, error)
}

// Cache is the fail-soft key-value store
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Publish(ctx context.Context, channel string, message []byte) bool
}

// MatchFinder resolves the match a key belongs to. It returns nil, nil when
// no match is registered.
type MatchFinder interface {
	GetMatch(ctx context.Context, eventID, marketID string) (*models.Match, error)
}

// Reconciler merges records into the persistent store
type Reconciler interface {
	ReconcileQuestion(ctx context.Context, q *models.Question, policy reconcile.Policy) (reconcile.Result, error)
	ReconcileOption(ctx context.Context, o *models.Option, policy reconcile.Policy) (reconcile.Result, error)
	ReconcileMatch(ctx context.Context, m *models.Match) (reconcile.Result, error)
}

// Enqueuer defers failed writes
type Enqueuer interface {
	Enqueue(ctx context.Context, dataType models.WriteType, kind models.Kind, target string, payload interface{}) (*models.QueuedWrite, error)
}

// Config holds pipeline behaviour switches
type Config struct {
	// OptionPolicies picks the existing-row policy for options per feed.
	// Questions are always upserted.
	OptionPolicies map[models.Kind]reconcile.Policy

	RawTTL         time.Duration
	ReconciledTTL  time.Duration
	RouteTTL       time.Duration
	InPlayFancyTTL time.Duration

	// ReadFirst serves a cached raw payload instead of calling the API
	ReadFirst bool
	// FallbackOnSourceError serves the last cached raw payload when the API
	// fails
	FallbackOnSourceError bool

	MatchTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		OptionPolicies: map[models.Kind]reconcile.Policy{
			models.KindBookmaker: reconcile.PolicyUpsert,
			models.KindFancy:     reconcile.PolicyUpsert,
			models.KindEvent:     reconcile.PolicySkipIfExists,
		},
		RawTTL:                cache.RawOddsTTL,
		ReconciledTTL:         cache.ReconciledTTL,
		RouteTTL:              cache.RouteTTL,
		InPlayFancyTTL:        cache.InPlayFancyTTL,
		FallbackOnSourceError: true,
		MatchTimeout:          reconcile.DefaultTimeout,
	}
}

// Pipeline wires the odds client, cache, match lookup, reconciliation
// engine and retry queue together
type Pipeline struct {
	source  Source
	cache   Cache
	matches MatchFinder
	engine  Reconciler
	queue   Enqueuer
	cfg     Config
	now     func() time.Time
}

// New creates a pipeline
func New(source Source, c Cache, matches MatchFinder, engine Reconciler, queue Enqueuer, cfg Config) *Pipeline {
	if cfg.OptionPolicies == nil {
		cfg.OptionPolicies = DefaultConfig().OptionPolicies
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = reconcile.DefaultTimeout
	}
	return &Pipeline{
		source:  source,
		cache:   c,
		matches: matches,
		engine:  engine,
		queue:   queue,
		cfg:     cfg,
		now:     time.Now,
	}
}

// OptionPolicy returns the option policy configured for kind
func (p *Pipeline) OptionPolicy(kind models.Kind) reconcile.Policy {
	if pol, ok := p.cfg.OptionPolicies[kind]; ok {
		return pol
	}
	return reconcile.PolicyUpsert
}

// Run fetches one feed key, caches the raw payload and reconciles it.
// Source and match errors abort the run; store errors are deferred to the
// retry queue and reported in the summary.
func (p *Pipeline) Run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error) {
	start := time.Now()
	summary, err := p.run(ctx, kind, eventID, marketID)
	metrics.RecordPipelineRun(string(kind), runStatus(err), time.Since(start).Seconds())
	if err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("event_id", eventID).
			Str("market_id", marketID).
			Msg("Pipeline run aborted")
		return nil, err
	}

	log.Info().
		Str("kind", string(kind)).
		Str("event_id", eventID).
		Str("market_id", marketID).
		Str("source", summary.Source).
		Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("queued", summary.Queued).
		Dur("duration", time.Since(start)).
		Msg("Pipeline run complete")
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error) {
	raw, source, fetchedAt, err := p.load(ctx, kind, eventID, marketID)
	if err != nil {
		return nil, err
	}

	summary, err := p.reconcileRaw(ctx, kind, eventID, marketID, raw, fetchedAt)
	if err != nil {
		return nil, err
	}
	summary.Source = source
	return summary, nil
}

// SyncFromCache reconciles the cached raw payload for a key without calling
// the API. A missing cache entry is reported as ErrSourceEmpty.
func (p *Pipeline) SyncFromCache(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error) {
	start := time.Now()
	raw, ok := p.cache.Get(ctx, cache.RawOddsKey(kind, eventID, marketID))
	if !ok {
		metrics.RecordPipelineRun(string(kind), "cache_miss", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: nothing cached for %s", models.ErrSourceEmpty, cache.RawOddsKey(kind, eventID, marketID))
	}

	summary, err := p.reconcileRaw(ctx, kind, eventID, marketID, raw, p.cachedFetchTime(ctx, kind, eventID, marketID))
	metrics.RecordPipelineRun(string(kind)+"_sync", runStatus(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	summary.Source = SourceCache
	return summary, nil
}

// load returns the raw data payload with its source and fetch time
func (p *Pipeline) load(ctx context.Context, kind models.Kind, eventID, marketID string) ([]byte, string, time.Time, error) {
	key := cache.RawOddsKey(kind, eventID, marketID)

	if p.cfg.ReadFirst {
		if raw, ok := p.cache.Get(ctx, key); ok {
			log.Debug().Str("key", key).Msg("Serving odds from cache")
			return raw, SourceCache, p.cachedFetchTime(ctx, kind, eventID, marketID), nil
		}
	}

	fetchedAt := p.now().UTC()
	raw, err := p.source.FetchOdds(ctx, kind, eventID, marketID)
	if err != nil {
		if p.cfg.FallbackOnSourceError && client.IsSourceError(err) {
			if cached, ok := p.cache.Get(ctx, key); ok {
				log.Warn().Err(err).Str("key", key).Msg("Odds API failed, falling back to cached payload")
				return cached, SourceFallback, p.cachedFetchTime(ctx, kind, eventID, marketID), nil
			}
		}
		return nil, "", time.Time{}, err
	}

	// The payload goes first: a reader between the two writes sees an older
	// fetch time, never a newer one.
	if ttl := p.rawTTL(kind); ttl > 0 {
		p.cache.Set(ctx, key, raw, ttl)
		p.cache.Set(ctx, cache.FetchedAtKey(kind, eventID, marketID), []byte(fetchedAt.Format(time.RFC3339Nano)), ttl)
	}

	note, _ := json.Marshal(map[string]string{"event_id": eventID, "market_id": marketID})
	p.cache.Publish(ctx, cache.UpdateChannel(kind), note)

	return raw, SourceAPI, fetchedAt, nil
}

func (p *Pipeline) rawTTL(kind models.Kind) time.Duration {
	if kind == models.KindFancy && p.cfg.InPlayFancyTTL > 0 {
		return p.cfg.InPlayFancyTTL
	}
	return p.cfg.RawTTL
}

// cachedFetchTime returns when the cached payload for a key was fetched.
// Without a readable record the payload is taken to be as old as its TTL
// allows.
func (p *Pipeline) cachedFetchTime(ctx context.Context, kind models.Kind, eventID, marketID string) time.Time {
	key := cache.FetchedAtKey(kind, eventID, marketID)
	if raw, ok := p.cache.Get(ctx, key); ok {
		if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			return t.UTC()
		}
		log.Warn().Str("key", key).Msg("Unreadable fetch time in cache")
	}
	return p.now().UTC().Add(-p.rawTTL(kind))
}

func (p *Pipeline) reconcileRaw(ctx context.Context, kind models.Kind, eventID, marketID string, raw []byte, fetchedAt time.Time) (*models.Summary, error) {
	match, err := p.findMatch(ctx, eventID, marketID)
	if err != nil {
		return nil, err
	}

	mc := mapper.MatchContext{
		MatchID:   match.ID,
		EventID:   eventID,
		MarketID:  marketID,
		EndTime:   match.EndDate,
		FetchedAt: fetchedAt,
	}
	summary := &models.Summary{Kind: kind, EventID: eventID, MarketID: marketID, Details: []models.Detail{}}

	switch kind {
	case models.KindFancy:
		items, err := mapper.DecodeFancy(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
		}
		p.reconcileFancy(ctx, kind, mapper.MapFancy(items, mc), summary)
	case models.KindBookmaker, models.KindEvent:
		market, err := mapper.DecodeMarket(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
		}
		p.reconcileMarket(ctx, kind, market, mc, summary)
	default:
		return nil, fmt.Errorf("unknown feed kind %q", kind)
	}

	if summary.Message == "" {
		summary.Message = fmt.Sprintf("%s odds processed", kind)
	}
	return summary, nil
}

func (p *Pipeline) findMatch(ctx context.Context, eventID, marketID string) (*models.Match, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.MatchTimeout)
	defer cancel()

	match, err := p.matches.GetMatch(callCtx, eventID, marketID)
	if err != nil {
		return nil, fmt.Errorf("%w: match lookup: %v", models.ErrPersistFailed, err)
	}
	if match == nil {
		return nil, fmt.Errorf("%w: event %s market %s", models.ErrMatchNotFound, eventID, marketID)
	}
	return match, nil
}

func (p *Pipeline) reconcileMarket(ctx context.Context, kind models.Kind, market *models.MarketPayload, mc mapper.MatchContext, summary *models.Summary) {
	q := mapper.MapQuestion(market, mc)
	summary.InPlay = q.InPlay

	if q.Question == "" {
		summary.Message = "market has no title"
		summary.Record(models.Detail{Status: models.ActionFailed, Reason: models.ErrMappingSkipped.Error() + ": missing market title"})
		return
	}

	res, err := p.engine.ReconcileQuestion(ctx, q, reconcile.PolicyUpsert)
	if err != nil {
		// Options cannot attach to an unsaved question; defer the whole market.
		batch := mapper.MapOptions(market.Runners, mapper.ContextFor(q))
		p.recordFailures(batch.Failures, summary)
		if p.deferWrite(ctx, models.WriteMarket, kind, q.Key(), models.MarketWrite{Question: q, Options: batch.Options}) {
			for _, o := range batch.Options {
				summary.Record(models.Detail{Name: o.OptionName, SelectionID: o.SelectionID, Status: models.ActionQueued, Reason: err.Error()})
			}
			summary.Message = "question deferred to retry queue"
		} else {
			for _, o := range batch.Options {
				summary.Record(models.Detail{Name: o.OptionName, SelectionID: o.SelectionID, Status: models.ActionFailed, Reason: err.Error()})
			}
			summary.Message = "question could not be saved"
		}
		return
	}

	summary.QuestionID = q.ID
	summary.Message = fmt.Sprintf("question %s", res.Action)
	p.cacheRecord(ctx, cache.QuestionKey(mc.EventID, mc.MarketID, q.ID), q)

	batch := mapper.MapOptions(market.Runners, mapper.ContextFor(q))
	p.recordFailures(batch.Failures, summary)
	policy := p.OptionPolicy(kind)
	for _, o := range batch.Options {
		p.reconcileOption(ctx, kind, q, o, policy, o.OptionName, summary)
	}
}

func (p *Pipeline) reconcileFancy(ctx context.Context, kind models.Kind, batch mapper.FancyBatch, summary *models.Summary) {
	summary.InPlay = true
	p.recordFailures(batch.Failures, summary)
	policy := p.OptionPolicy(kind)

	for _, r := range batch.Results {
		q := r.Question
		_, err := p.engine.ReconcileQuestion(ctx, q, reconcile.PolicyUpsert)
		if err != nil {
			status := models.ActionFailed
			if p.deferWrite(ctx, models.WriteMarket, kind, q.Key(), models.MarketWrite{Question: q, Options: r.Options}) {
				status = models.ActionQueued
			}
			for _, o := range r.Options {
				summary.Record(models.Detail{Name: fancyName(q, o), SelectionID: o.SelectionID, Status: status, Reason: err.Error()})
			}
			continue
		}

		summary.QuestionIDs = append(summary.QuestionIDs, q.ID)
		p.cacheRecord(ctx, cache.QuestionKey(q.EventID, q.MarketID, q.ID), q)
		for _, o := range r.Options {
			o.QuestionID = q.ID
			p.reconcileOption(ctx, kind, q, o, policy, fancyName(q, o), summary)
		}
	}
	summary.Message = fmt.Sprintf("%d fancy markets processed", len(summary.QuestionIDs))
}

func (p *Pipeline) reconcileOption(ctx context.Context, kind models.Kind, q *models.Question, o *models.Option, policy reconcile.Policy, name string, summary *models.Summary) {
	res, err := p.engine.ReconcileOption(ctx, o, policy)
	switch {
	case err == nil:
		summary.Record(models.Detail{Name: name, SelectionID: o.SelectionID, Status: res.Action})
		p.cacheRecord(ctx, cache.OptionKey(q.EventID, q.MarketID, o.SelectionID, o.OptionName), o)
	case errors.Is(err, models.ErrPersistFailed):
		status := models.ActionFailed
		if p.deferWrite(ctx, models.WriteOption, kind, o.Key(), models.OptionWrite{Question: q, Option: o}) {
			status = models.ActionQueued
		}
		summary.Record(models.Detail{Name: name, SelectionID: o.SelectionID, Status: status, Reason: err.Error()})
	default:
		summary.Record(models.Detail{Name: name, SelectionID: o.SelectionID, Status: models.ActionFailed, Reason: err.Error()})
	}
}

func (p *Pipeline) recordFailures(failures []mapper.Failure, summary *models.Summary) {
	for _, f := range failures {
		log.Debug().Err(f.Err).Str("name", f.Name).Str("selection_id", f.SelectionID).Msg("Item skipped")
		summary.Record(f.Detail())
	}
}

// deferWrite pushes a write to the retry queue and reports whether it was queued
func (p *Pipeline) deferWrite(ctx context.Context, dataType models.WriteType, kind models.Kind, target string, payload interface{}) bool {
	if p.queue == nil {
		return false
	}
	if _, err := p.queue.Enqueue(ctx, dataType, kind, target, payload); err != nil {
		log.Error().Err(err).Str("target", target).Msg("Failed to defer write")
		return false
	}
	return true
}

func (p *Pipeline) cacheRecord(ctx context.Context, key string, v interface{}) {
	if p.cfg.ReconciledTTL <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.cache.Set(ctx, key, raw, p.cfg.ReconciledTTL)
}

func fancyName(q *models.Question, o *models.Option) string {
	return q.Question + " " + o.OptionName
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrMatchNotFound):
		return "match_not_found"
	case errors.Is(err, models.ErrSourceEmpty):
		return "source_empty"
	case errors.Is(err, models.ErrSourceUnavailable):
		return "source_unavailable"
	default:
		return "error"
	}
}
