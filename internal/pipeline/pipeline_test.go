package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/queue"
	"oddsfeed/ingestion/internal/reconcile"
	"oddsfeed/ingestion/internal/reconcile/reconciletest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matchOddsPayload = `{"market":"Match Odds","status":"OPEN","min":0,"max":0,"runners":[{"runner":"Team A","selectionId":"S1","status":"ACTIVE","lastPriceTraded":2.5}]}`

type fakeSource struct {
	mu     sync.Mutex
	odds   map[string]string
	err    error
	calls  int
	comps  string
	events map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{odds: make(map[string]string), events: make(map[string]string)}
}

func (f *fakeSource) set(kind models.Kind, eventID, marketID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.odds[fmt.Sprintf("%s:%s:%s", kind, eventID, marketID)] = data
}

func (f *fakeSource) FetchOdds(ctx context.Context, kind models.Kind, eventID, marketID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.odds[fmt.Sprintf("%s:%s:%s", kind, eventID, marketID)]
	if !ok {
		return nil, models.ErrSourceEmpty
	}
	return []byte(data), nil
}

func (f *fakeSource) FetchCompetitions(ctx context.Context, sportID string) ([]models.CompetitionInput, error) {
	if f.comps == "" {
		return nil, models.ErrSourceEmpty
	}
	var out []models.CompetitionInput
	err := json.Unmarshal([]byte(f.comps), &out)
	return out, err
}

func (f *fakeSource) FetchEvents(ctx context.Context, sportID, competitionID string) ([]models.EventInput, error) {
	raw, ok := f.events[competitionID]
	if !ok {
		return nil, models.ErrSourceEmpty
	}
	var out []models.EventInput
	err := json.Unmarshal([]byte(raw), &out)
	return out, err
}

type testEnv struct {
	pipeline *Pipeline
	source   *fakeSource
	store    *reconciletest.MemoryStore
	cache    *cache.RedisCache
	queue    *queue.Queue
	mr       *miniredis.Miniredis
}

func setupPipeline(t *testing.T, mutate func(*Config)) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	rc := cache.NewFromClient(client, false)
	store := reconciletest.NewMemoryStore()
	store.AddMatch(&models.Match{
		APIEventID:  "E1",
		APIMarketID: "M1",
		Team1:       "Team A",
		Team2:       "Team B",
		Status:      models.MatchUpcoming,
		EndDate:     time.Now().Add(time.Hour),
	})

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	src := newFakeSource()
	q := queue.New(rc, queue.Config{}, nil)
	p := New(src, rc, store, reconcile.NewEngine(store, time.Second), q, cfg)
	q.SetHandler(p.Retry)

	return &testEnv{pipeline: p, source: src, store: store, cache: rc, queue: q, mr: mr}
}

func TestRun_FreshMatchOneRunner(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Inserted)
	assert.Zero(t, summary.Updated)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, SourceAPI, summary.Source)
	assert.Equal(t, "question inserted", summary.Message)

	questions := env.store.Questions()
	require.Len(t, questions, 1)
	assert.Equal(t, "Match Odds", questions[0].Question)
	assert.Equal(t, models.QuestionOpen, questions[0].Status)
	assert.Equal(t, questions[0].ID, summary.QuestionID)

	options := env.store.Options()
	require.Len(t, options, 1)
	assert.Equal(t, "Team A", options[0].OptionName)
	assert.Equal(t, "S1", options[0].SelectionID)
	assert.Equal(t, "2.5", options[0].LastPriceTraded.String())
	assert.Equal(t, models.OptionActive, options[0].Status)

	require.Len(t, summary.Details, 1)
	assert.Equal(t, models.Detail{Name: "Team A", SelectionID: "S1", Status: models.ActionInserted}, summary.Details[0])

	// Raw payload and reconciled records are written through
	assert.Equal(t, cache.RawOddsTTL, env.mr.TTL("bookmakerOdds:E1:M1"))
	assert.True(t, env.mr.Exists(cache.QuestionKey("E1", "M1", questions[0].ID)))
	assert.Equal(t, cache.ReconciledTTL, env.mr.TTL(cache.OptionKey("E1", "M1", "S1", "Team A")))
}

func TestRun_RepollUpdates(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)
	ctx := context.Background()

	_, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)

	summary, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Zero(t, summary.Inserted)
	assert.Equal(t, "question updated", summary.Message)

	assert.Len(t, env.store.Questions(), 1)
	assert.Len(t, env.store.Options(), 1, "No new option rows on re-poll")
}

func TestRun_RepollSkipPolicy(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindEvent, "E1", "M1", matchOddsPayload)
	ctx := context.Background()

	first, err := env.pipeline.Run(ctx, models.KindEvent, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := env.pipeline.Run(ctx, models.KindEvent, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped, "event-odds options use skip-if-exists")
	assert.Len(t, env.store.Options(), 1)
}

func TestRun_MissingMatch(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E9", "M9", matchOddsPayload)

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E9", "M9")
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.True(t, errors.Is(err, models.ErrMatchNotFound))
	assert.Empty(t, env.store.Questions())
	assert.Empty(t, env.store.Options())
}

func TestRun_RequiredFieldSkip(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", `{"market":"Match Odds","status":"OPEN","runners":[
		{"runner":"Team A","selectionId":null,"status":"ACTIVE","lastPriceTraded":2.5},
		{"runner":"Team B","selectionId":"S2","status":"ACTIVE","lastPriceTraded":1.7}]}`)

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Inserted)

	options := env.store.Options()
	require.Len(t, options, 1)
	assert.Equal(t, "S2", options[0].SelectionID)
}

func TestRun_CacheFailOpen(t *testing.T) {
	env := setupPipeline(t, func(c *Config) { c.ReadFirst = true })
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)
	env.mr.Close()

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	require.NoError(t, err, "A dead cache must not fail the run")
	assert.Equal(t, SourceAPI, summary.Source)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, env.source.calls)
}

func TestRun_ReadFirstServesCache(t *testing.T) {
	env := setupPipeline(t, func(c *Config) { c.ReadFirst = true })
	require.NoError(t, env.mr.Set("bookmakerOdds:E1:M1", matchOddsPayload))

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, summary.Source)
	assert.Zero(t, env.source.calls)
}

func TestRun_SourceErrorFallsBackToCache(t *testing.T) {
	env := setupPipeline(t, nil)
	require.NoError(t, env.mr.Set("bookmakerOdds:E1:M1", matchOddsPayload))
	env.source.err = fmt.Errorf("%w: status 503", models.ErrSourceUnavailable)

	summary, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, summary.Source)
	assert.Equal(t, 1, summary.Inserted)
}

func TestRun_SourceErrorWithoutCache(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.err = fmt.Errorf("%w: status 503", models.ErrSourceUnavailable)

	_, err := env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	assert.True(t, errors.Is(err, models.ErrSourceUnavailable))

	env.source.err = nil
	_, err = env.pipeline.Run(context.Background(), models.KindBookmaker, "E1", "M1")
	assert.True(t, errors.Is(err, models.ErrSourceEmpty))
}

func TestRun_OptionPersistFailureIsQueued(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)
	env.store.FailTimes("InsertOption", 1, errors.New("connection reset"))
	ctx := context.Background()

	summary, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err, "Store failures never abort the run")
	assert.Equal(t, 1, summary.Queued)
	assert.Zero(t, summary.Inserted)
	assert.Empty(t, env.store.Options())

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := env.queue.DrainOnce(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	options := env.store.Options()
	require.Len(t, options, 1)
	assert.Equal(t, "2.5", options[0].LastPriceTraded.String())
}

func TestRun_QuestionPersistFailureDefersMarket(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)
	env.store.FailTimes("InsertQuestion", 1, errors.New("connection reset"))
	ctx := context.Background()

	summary, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Queued)
	assert.Equal(t, "question deferred to retry queue", summary.Message)
	assert.Empty(t, env.store.Questions())

	res, err := env.queue.DrainOnce(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, env.store.Questions(), 1)
	require.Len(t, env.store.Options(), 1)
	assert.Equal(t, env.store.Questions()[0].ID, env.store.Options()[0].QuestionID)
}

func TestRun_QueuedWriteAbandonedAfterThreeFailures(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)
	env.store.FailTimes("InsertOption", -1, errors.New("disk full"))
	ctx := context.Background()

	_, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)

	var abandoned int
	for i := 0; i < 4; i++ {
		res, err := env.queue.DrainOnce(ctx, 5)
		require.NoError(t, err)
		abandoned += res.Abandoned
	}
	assert.Equal(t, 1, abandoned)
	n, _ := env.queue.Len(ctx)
	assert.Zero(t, n)
}

func TestRun_Fancy(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.set(models.KindFancy, "E1", "M1", `[
		{"RunnerName":"10 over runs","SelectionId":"F1","gtype":"session","GameStatus":"","BackPrice1":55,"LayPrice1":53,"BackSize1":100,"LaySize1":100,"min":100,"max":50000},
		{"RunnerName":"20 over runs","SelectionId":"F2","GameStatus":"SUSPENDED"}]`)

	summary, err := env.pipeline.Run(context.Background(), models.KindFancy, "E1", "M1")
	require.NoError(t, err)
	assert.True(t, summary.InPlay)
	assert.Len(t, summary.QuestionIDs, 2)
	assert.Equal(t, 4, summary.Inserted)
	assert.Equal(t, cache.InPlayFancyTTL, env.mr.TTL("fancyOdds:E1:M1"))

	questions := env.store.Questions()
	require.Len(t, questions, 2)
	assert.Equal(t, models.QuestionOpen, questions[0].Status)
	assert.Equal(t, models.QuestionSuspended, questions[1].Status)

	var back, lay *models.Option
	for _, o := range env.store.Options() {
		o := o
		if o.SelectionID != "F1" {
			assert.Equal(t, models.OptionInactive, o.Status)
			continue
		}
		switch o.OptionName {
		case models.SideBack:
			back = &o
		case models.SideLay:
			lay = &o
		}
	}
	require.NotNil(t, back)
	require.NotNil(t, lay)
	assert.Equal(t, "55", back.LastPriceTraded.String())
	assert.Equal(t, "53", lay.LastPriceTraded.String())
	assert.Equal(t, questions[0].ID, back.QuestionID)
}

func TestSyncFromCache(t *testing.T) {
	env := setupPipeline(t, nil)
	ctx := context.Background()

	_, err := env.pipeline.SyncFromCache(ctx, models.KindBookmaker, "E1", "M1")
	assert.True(t, errors.Is(err, models.ErrSourceEmpty))

	require.NoError(t, env.mr.Set("bookmakerOdds:E1:M1", matchOddsPayload))
	summary, err := env.pipeline.SyncFromCache(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, summary.Source)
	assert.Equal(t, 1, summary.Inserted)
	assert.Zero(t, env.source.calls)
}

func TestSyncFromCache_OlderPayloadKeepsNewerRows(t *testing.T) {
	env := setupPipeline(t, nil)
	ctx := context.Background()
	fetched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env.pipeline.now = func() time.Time { return fetched }
	env.source.set(models.KindBookmaker, "E1", "M1", matchOddsPayload)

	_, err := env.pipeline.Run(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	stamp, err := env.mr.Get("fetched:E1:M1:bookmaker")
	require.NoError(t, err)
	assert.Equal(t, fetched.Format(time.RFC3339Nano), stamp, "The fetch time is cached with the payload")

	// A payload fetched a minute before the stored rows
	older := `{"market":"Match Odds","status":"OPEN","runners":[{"runner":"Team A","selectionId":"S1","status":"ACTIVE","lastPriceTraded":9}]}`
	require.NoError(t, env.mr.Set("bookmakerOdds:E1:M1", older))
	require.NoError(t, env.mr.Set("fetched:E1:M1:bookmaker", fetched.Add(-time.Minute).Format(time.RFC3339Nano)))
	env.pipeline.now = func() time.Time { return fetched.Add(time.Minute) }

	summary, err := env.pipeline.SyncFromCache(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Zero(t, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)

	options := env.store.Options()
	require.Len(t, options, 1)
	assert.Equal(t, "2.5", options[0].LastPriceTraded.String())
	assert.True(t, options[0].FetchedAt.Equal(fetched))

	// Without a fetch time the payload is treated as old as its TTL
	env.mr.Del("fetched:E1:M1:bookmaker")
	summary, err = env.pipeline.SyncFromCache(ctx, models.KindBookmaker, "E1", "M1")
	require.NoError(t, err)
	assert.Zero(t, summary.Updated)
	assert.Equal(t, "2.5", env.store.Options()[0].LastPriceTraded.String())
}

func TestRefreshMatches(t *testing.T) {
	env := setupPipeline(t, nil)
	env.source.comps = `[{"competition":{"id":101,"name":"IPL"},"competitionRegion":"IND","marketCount":2}]`
	env.source.events["101"] = `[
		{"event":{"id":"E7","name":"Team C v Team D","openDate":"2024-04-01T14:00:00Z"},"marketIds":[{"marketId":"M7","marketName":"Match Odds"},{"marketId":"M8","marketName":"Bookmaker"}]},
		{"event":{"id":"E8","name":"Team E v Team F","openDate":"2024-04-02T14:00:00Z"},"marketIds":[]}]`
	ctx := context.Background()

	res, err := env.pipeline.RefreshMatches(ctx, "4")
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Competitions: 1, Events: 2, Inserted: 3}, res)
	assert.True(t, env.mr.Exists(CompetitionsKey("4")))

	m, err := env.store.GetMatch(ctx, "E7", "M8")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Team C", m.Team1)
	assert.Equal(t, "team-d", m.Team2Slug)
	assert.Equal(t, time.Date(2024, 4, 1, 21, 0, 0, 0, time.UTC), m.EndDate.UTC())

	fallback, err := env.store.GetMatch(ctx, "E8", models.FallbackMarketID)
	require.NoError(t, err)
	assert.NotNil(t, fallback)

	res, err = env.pipeline.RefreshMatches(ctx, "4")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Updated, "Second refresh updates in place")
}

func TestRefreshMatches_NoCompetitions(t *testing.T) {
	env := setupPipeline(t, nil)
	res, err := env.pipeline.RefreshMatches(context.Background(), "4")
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{}, res)
}
