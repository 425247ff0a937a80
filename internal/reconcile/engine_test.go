package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/reconcile/reconciletest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuestion(fetchedAt time.Time) *models.Question {
	return &models.Question{
		MatchID:    7,
		MarketID:   "1.234",
		EventID:    "E1",
		Question:   "Match Odds",
		MarketName: "Match Odds",
		Status:     models.QuestionOpen,
		MinAmount:  decimal.NewFromInt(100),
		MaxAmount:  decimal.NewFromInt(5000),
		FetchedAt:  fetchedAt,
	}
}

func testOption(questionID int64, fetchedAt time.Time) *models.Option {
	return &models.Option{
		QuestionID:      questionID,
		MatchID:         7,
		OptionName:      "Team A",
		SelectionID:     "S1",
		LastPriceTraded: decimal.RequireFromString("2.5"),
		Status:          models.OptionActive,
		FetchedAt:       fetchedAt,
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("upsert")
	require.NoError(t, err)
	assert.Equal(t, PolicyUpsert, p)

	p, err = ParsePolicy("skip-if-exists")
	require.NoError(t, err)
	assert.Equal(t, PolicySkipIfExists, p)

	_, err = ParsePolicy("overwrite")
	assert.Error(t, err)
}

func TestReconcileQuestion_InsertThenUpdate(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	ctx := context.Background()
	now := time.Now()

	q := testQuestion(now)
	res, err := engine.ReconcileQuestion(ctx, q, PolicyUpsert)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInserted, res.Action)
	assert.NotZero(t, q.ID)

	again := testQuestion(now.Add(time.Second))
	again.Status = models.QuestionSuspended
	res, err = engine.ReconcileQuestion(ctx, again, PolicyUpsert)
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.Equal(t, q.ID, again.ID, "Same business key reuses the row")

	stored := store.Questions()
	require.Len(t, stored, 1)
	assert.Equal(t, models.QuestionSuspended, stored[0].Status)
}

func TestReconcileQuestion_Idempotent(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := engine.ReconcileQuestion(ctx, testQuestion(now), PolicyUpsert)
		require.NoError(t, err)
	}
	assert.Len(t, store.Questions(), 1)
}

func TestReconcileOption_SkipIfExists(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	ctx := context.Background()
	now := time.Now()

	res, err := engine.ReconcileOption(ctx, testOption(1, now), PolicySkipIfExists)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInserted, res.Action)

	changed := testOption(1, now.Add(time.Second))
	changed.LastPriceTraded = decimal.RequireFromString("3.1")
	res, err = engine.ReconcileOption(ctx, changed, PolicySkipIfExists)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkipped, res.Action)
	assert.NotZero(t, changed.ID)

	stored := store.Options()
	require.Len(t, stored, 1)
	assert.Equal(t, "2.5", stored[0].LastPriceTraded.String(), "Existing row left untouched")
	assert.Equal(t, 0, store.Calls("UpdateOption"))
}

func TestReconcileOption_RequiresQuestion(t *testing.T) {
	engine := NewEngine(reconciletest.NewMemoryStore(), time.Second)

	_, err := engine.ReconcileOption(context.Background(), testOption(0, time.Now()), PolicyUpsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMappingSkipped))
}

func TestReconcile_StaleUpdateSkipped(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	ctx := context.Background()
	now := time.Now()

	_, err := engine.ReconcileQuestion(ctx, testQuestion(now), PolicyUpsert)
	require.NoError(t, err)

	old := testQuestion(now.Add(-time.Minute))
	old.Status = models.QuestionSuspended
	res, err := engine.ReconcileQuestion(ctx, old, PolicyUpsert)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkipped, res.Action)
	assert.Equal(t, models.QuestionOpen, store.Questions()[0].Status)
}

func TestReconcile_ConcurrentInsertSingleRow(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	now := time.Now()

	// Hold both inserts until both reconciliations have missed on find.
	var arrived int32
	release := make(chan struct{})
	store.BeforeInsert = func(string) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(release)
		}
		<-release
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.ReconcileQuestion(context.Background(), testQuestion(now), PolicyUpsert)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Len(t, store.Questions(), 1, "Exactly one row per business key")
	assert.Equal(t, results[0].ID, results[1].ID)

	actions := []models.Action{results[0].Action, results[1].Action}
	assert.ElementsMatch(t, []models.Action{models.ActionInserted, models.ActionUpdated}, actions)
}

func TestReconcile_ConcurrentInsertDifferentFetchTimes(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	newer := time.Now().UTC()
	older := newer.Add(-time.Millisecond)

	var arrived int32
	release := make(chan struct{})
	store.BeforeInsert = func(string) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(release)
		}
		<-release
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, fetchedAt := range []time.Time{newer, older} {
		wg.Add(1)
		go func(i int, fetchedAt time.Time) {
			defer wg.Done()
			results[i], errs[i] = engine.ReconcileQuestion(context.Background(), testQuestion(fetchedAt), PolicyUpsert)
		}(i, fetchedAt)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	rows := store.Questions()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].FetchedAt.Equal(newer), "The newer fetch wins whichever insert lands first")

	actions := []models.Action{results[0].Action, results[1].Action}
	assert.ElementsMatch(t, []models.Action{models.ActionInserted, models.ActionUpdated}, actions)
}

func TestReconcile_ConcurrentInsertSkipIfExists(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	now := time.Now()

	var arrived int32
	release := make(chan struct{})
	store.BeforeInsert = func(string) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(release)
		}
		<-release
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = engine.ReconcileQuestion(context.Background(), testQuestion(now.Add(time.Duration(i)*time.Millisecond)), PolicySkipIfExists)
		}(i)
	}
	wg.Wait()

	actions := []models.Action{results[0].Action, results[1].Action}
	assert.ElementsMatch(t, []models.Action{models.ActionInserted, models.ActionSkipped}, actions)
	assert.Len(t, store.Questions(), 1)
}

func TestReconcile_PersistFailedWrapsStoreError(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	boom := errors.New("connection reset")

	store.FailTimes("InsertQuestion", 1, boom)
	_, err := engine.ReconcileQuestion(context.Background(), testQuestion(time.Now()), PolicyUpsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrPersistFailed))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, store.Questions())

	// The failure was one-shot; a retry goes through.
	res, err := engine.ReconcileQuestion(context.Background(), testQuestion(time.Now()), PolicyUpsert)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInserted, res.Action)
}

type slowStore struct {
	*reconciletest.MemoryStore
}

func (s slowStore) FindQuestion(ctx context.Context, q *models.Question) (*models.Question, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcile_StoreCallTimesOut(t *testing.T) {
	engine := NewEngine(slowStore{reconciletest.NewMemoryStore()}, 20*time.Millisecond)

	start := time.Now()
	_, err := engine.ReconcileQuestion(context.Background(), testQuestion(time.Now()), PolicyUpsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrPersistFailed))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReconcileMatch(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	engine := NewEngine(store, time.Second)
	ctx := context.Background()

	m := &models.Match{APIEventID: "E1", APIMarketID: "M1", Team1: "A", Team2: "B", Status: models.MatchUpcoming}
	res, err := engine.ReconcileMatch(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInserted, res.Action)

	again := &models.Match{APIEventID: "E1", APIMarketID: "M1", Team1: "A", Team2: "B", Status: models.MatchLive}
	res, err = engine.ReconcileMatch(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.Equal(t, m.ID, again.ID)
}
