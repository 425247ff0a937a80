// Package reconciletest provides an in-memory reconciliation store that
// enforces the same unique business keys as the Postgres schema.
package reconciletest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oddsfeed/ingestion/internal/models"
)

type questionKey struct {
	matchID  int64
	marketID string
	eventID  string
	question string
}

type optionKey struct {
	questionID  int64
	selectionID string
	optionName  string
}

type matchKey struct {
	eventID  string
	marketID string
}

type failure struct {
	err       error
	remaining int
}

// MemoryStore implements reconcile.Store and the pipeline match lookup
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	questions map[questionKey]*models.Question
	options   map[optionKey]*models.Option
	matches   map[matchKey]*models.Match
	failures  map[string]*failure
	calls     map[string]int

	// BeforeInsert, when set, runs before every insert outside the lock
	BeforeInsert func(record string)
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[questionKey]*models.Question),
		options:   make(map[optionKey]*models.Option),
		matches:   make(map[matchKey]*models.Match),
		failures:  make(map[string]*failure),
		calls:     make(map[string]int),
	}
}

// FailTimes makes the next n calls of method return err. n < 0 fails forever.
func (s *MemoryStore) FailTimes(method string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = &failure{err: err, remaining: n}
}

// ClearFailures removes every injected failure
func (s *MemoryStore) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*failure)
}

// Calls returns how many times method was invoked
func (s *MemoryStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// enter records the call and returns an injected failure, if any.
// Callers hold s.mu.
func (s *MemoryStore) enter(ctx context.Context, method string) error {
	s.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	f, ok := s.failures[method]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// AddMatch registers a match directly
func (s *MemoryStore) AddMatch(m *models.Match) *models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	cp := *m
	s.matches[matchKey{m.APIEventID, m.APIMarketID}] = &cp
	return m
}

// GetMatch returns nil, nil when the match is not registered
func (s *MemoryStore) GetMatch(ctx context.Context, eventID, marketID string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetMatch"); err != nil {
		return nil, err
	}
	m, ok := s.matches[matchKey{eventID, marketID}]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpsertMatch(ctx context.Context, m *models.Match) (models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpsertMatch"); err != nil {
		return "", err
	}

	key := matchKey{m.APIEventID, m.APIMarketID}
	existing, ok := s.matches[key]
	now := time.Now()
	if !ok {
		m.ID = s.id()
		m.CreatedAt, m.UpdatedAt = now, now
		cp := *m
		s.matches[key] = &cp
		return models.ActionInserted, nil
	}

	if existing.IsCompleted() {
		existing.Status = m.Status
	} else {
		id, created := existing.ID, existing.CreatedAt
		*existing = *m
		existing.ID, existing.CreatedAt = id, created
	}
	existing.UpdatedAt = now
	*m = *existing
	return models.ActionUpdated, nil
}

func (s *MemoryStore) FindQuestion(ctx context.Context, q *models.Question) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindQuestion"); err != nil {
		return nil, err
	}
	found, ok := s.questions[qKey(q)]
	if !ok {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) InsertQuestion(ctx context.Context, q *models.Question) error {
	if s.BeforeInsert != nil {
		s.BeforeInsert("question")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "InsertQuestion"); err != nil {
		return err
	}
	key := qKey(q)
	if _, exists := s.questions[key]; exists {
		return fmt.Errorf("%w: bet_questions_business_key", models.ErrDuplicateKey)
	}
	now := time.Now()
	q.ID = s.id()
	q.CreatedAt, q.UpdatedAt = now, now
	cp := *q
	s.questions[key] = &cp
	return nil
}

func (s *MemoryStore) UpdateQuestion(ctx context.Context, id int64, q *models.Question) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateQuestion"); err != nil {
		return false, err
	}
	for _, stored := range s.questions {
		if stored.ID != id {
			continue
		}
		if stored.FetchedAt.After(q.FetchedAt) {
			return false, nil
		}
		stored.MarketName = q.MarketName
		stored.EndTime = q.EndTime
		stored.Status = q.Status
		stored.InPlay = q.InPlay
		stored.MinAmount = q.MinAmount
		stored.MaxAmount = q.MaxAmount
		stored.FetchedAt = q.FetchedAt
		stored.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) FindOption(ctx context.Context, o *models.Option) (*models.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindOption"); err != nil {
		return nil, err
	}
	found, ok := s.options[oKey(o)]
	if !ok {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) InsertOption(ctx context.Context, o *models.Option) error {
	if s.BeforeInsert != nil {
		s.BeforeInsert("option")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "InsertOption"); err != nil {
		return err
	}
	key := oKey(o)
	if _, exists := s.options[key]; exists {
		return fmt.Errorf("%w: bet_options_business_key", models.ErrDuplicateKey)
	}
	now := time.Now()
	o.ID = s.id()
	o.CreatedAt, o.UpdatedAt = now, now
	cp := *o
	s.options[key] = &cp
	return nil
}

func (s *MemoryStore) UpdateOption(ctx context.Context, id int64, o *models.Option) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateOption"); err != nil {
		return false, err
	}
	for _, stored := range s.options {
		if stored.ID != id {
			continue
		}
		if stored.FetchedAt.After(o.FetchedAt) {
			return false, nil
		}
		stored.LastPriceTraded = o.LastPriceTraded
		stored.Price2 = o.Price2
		stored.Price3 = o.Price3
		stored.Size = o.Size
		stored.MinAmount = o.MinAmount
		stored.MaxAmount = o.MaxAmount
		stored.Status = o.Status
		stored.FetchedAt = o.FetchedAt
		stored.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

// Questions returns a snapshot of stored questions ordered by id
func (s *MemoryStore) Questions() []models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Options returns a snapshot of stored options ordered by id
func (s *MemoryStore) Options() []models.Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Option, 0, len(s.options))
	for _, o := range s.options {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func qKey(q *models.Question) questionKey {
	return questionKey{q.MatchID, q.MarketID, q.EventID, q.Question}
}

func oKey(o *models.Option) optionKey {
	return optionKey{o.QuestionID, o.SelectionID, o.OptionName}
}
