package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/pipeline"
	"oddsfeed/ingestion/internal/queue"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Runner is the pipeline as driven by the scheduler
type Runner interface {
	Run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
	SyncFromCache(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
	RefreshMatches(ctx context.Context, sportID string) (pipeline.RefreshResult, error)
}

// Drainer drains the retry queue
type Drainer interface {
	DrainOnce(ctx context.Context, maxItems int) (queue.DrainResult, error)
}

// KeySource lists cached raw payloads and streams update notifications
type KeySource interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	Subscribe(ctx context.Context, channels ...string) (<-chan cache.Message, error)
}

// MatchLister returns matches that should be polled at now
type MatchLister interface {
	ListTrackable(ctx context.Context, now time.Time) ([]*models.Match, error)
}

// Config controls polling cadence and background jobs
type Config struct {
	Tick             time.Duration
	InPlayInterval   time.Duration
	IdleInterval     time.Duration
	DrainInterval    time.Duration
	DrainBatch       int
	MatchRefreshCron string
	SweepCron        string
	SportID          string
	// SeedKinds are the feeds tracked for every registered match
	SeedKinds []models.Kind
}

type trackedKey struct {
	kind     models.Kind
	eventID  string
	marketID string
}

func (k trackedKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.kind, k.eventID, k.marketID)
}

type keyState struct {
	next    time.Time
	running bool
	inPlay  bool
}

// Scheduler polls tracked keys from a single loop. Each key's next poll time
// is derived from its last run: in-play keys use the short interval, the
// rest the idle interval.
type Scheduler struct {
	cfg     Config
	runner  Runner
	queue   Drainer
	keys    KeySource
	matches MatchLister
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	tracked map[trackedKey]*keyState

	stopChan chan struct{}
	done     sync.WaitGroup
}

// NewScheduler creates a new scheduler instance. keys and matches may be nil.
func NewScheduler(cfg Config, runner Runner, q Drainer, keys KeySource, matches MatchLister) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 5
	}
	if len(cfg.SeedKinds) == 0 {
		cfg.SeedKinds = []models.Kind{models.KindBookmaker, models.KindFancy}
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		queue:    q,
		keys:     keys,
		matches:  matches,
		cron:     cron.New(),
		now:      time.Now,
		tracked:  make(map[trackedKey]*keyState),
		stopChan: make(chan struct{}),
	}
}

// Track registers a key for polling. Already tracked keys are left alone.
func (s *Scheduler) Track(kind models.Kind, eventID, marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := trackedKey{kind, eventID, marketID}
	if _, ok := s.tracked[k]; ok {
		return
	}
	s.tracked[k] = &keyState{next: s.now()}
	metrics.UpdateTrackedKeys(len(s.tracked))
	log.Debug().Str("key", k.String()).Msg("Tracking key")
}

// Untrack stops polling a key
func (s *Scheduler) Untrack(kind models.Kind, eventID, marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, trackedKey{kind, eventID, marketID})
	metrics.UpdateTrackedKeys(len(s.tracked))
}

// Tracked returns the number of tracked keys
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Start schedules cron jobs and starts the polling loop
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	if s.cfg.MatchRefreshCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.MatchRefreshCron, func() {
			log.Info().Msg("Running match refresh...")
			s.RefreshMatches(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule match refresh: %w", err)
		}
	}

	if s.cfg.SweepCron != "" && s.keys != nil {
		if _, err := s.cron.AddFunc(s.cfg.SweepCron, func() {
			s.Sweep(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule cache sweep: %w", err)
		}
	}

	s.cron.Start()
	log.Info().
		Str("match_refresh", s.cfg.MatchRefreshCron).
		Str("sweep", s.cfg.SweepCron).
		Msg("Cron jobs scheduled")

	if err := s.Seed(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial seed failed")
	}

	s.done.Add(1)
	go s.loop(ctx)

	if s.queue != nil && s.cfg.DrainInterval > 0 {
		s.done.Add(1)
		go s.drainLoop(ctx)
	}

	if s.keys != nil {
		updates, err := s.keys.Subscribe(ctx, updateChannels()...)
		if err != nil {
			log.Warn().Err(err).Msg("Update subscription unavailable")
		} else {
			s.done.Add(1)
			go s.listen(ctx, updates)
		}
	}

	log.Info().
		Dur("tick", s.cfg.Tick).
		Dur("inplay_interval", s.cfg.InPlayInterval).
		Dur("idle_interval", s.cfg.IdleInterval).
		Msg("Polling loop started")
	return nil
}

// Stop stops the scheduler and waits for the loop to exit
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	close(s.stopChan)
	s.done.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping polling loop")
			return
		case <-s.stopChan:
			log.Info().Msg("Stop signal received, stopping polling loop")
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// drainLoop drains the retry queue on its own ticker so a long polling pass
// never holds up retries.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// RunDue runs every key whose next poll time has passed and returns how many
// ran. Keys run concurrently; the lock is never held across a run.
func (s *Scheduler) RunDue(ctx context.Context) int {
	start := time.Now()
	now := s.now()

	s.mu.Lock()
	var due []trackedKey
	for k, st := range s.tracked {
		if !st.running && !st.next.After(now) {
			st.running = true
			due = append(due, k)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, k := range due {
		wg.Add(1)
		go func(k trackedKey) {
			defer wg.Done()
			summary, err := s.runner.Run(ctx, k.kind, k.eventID, k.marketID)
			s.finish(k, summary, err)
		}(k)
	}
	wg.Wait()

	metrics.RecordSchedulerLoop(time.Since(start).Seconds())
	log.Debug().
		Int("due", len(due)).
		Dur("duration", time.Since(start)).
		Msg("Polling pass complete")
	return len(due)
}

func (s *Scheduler) finish(k trackedKey, summary *models.Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tracked[k]
	if !ok {
		return
	}
	st.running = false

	if errors.Is(err, models.ErrMatchNotFound) {
		// Nothing can attach until the match is registered again.
		delete(s.tracked, k)
		metrics.UpdateTrackedKeys(len(s.tracked))
		log.Info().Str("key", k.String()).Msg("Match gone, untracking key")
		return
	}

	if summary != nil {
		st.inPlay = summary.InPlay
	}
	interval := s.cfg.IdleInterval
	if err == nil && st.inPlay {
		interval = s.cfg.InPlayInterval
	}
	st.next = s.now().Add(interval)
}

// Drain runs one retry queue pass
func (s *Scheduler) Drain(ctx context.Context) {
	res, err := s.queue.DrainOnce(ctx, s.cfg.DrainBatch)
	if err != nil {
		log.Error().Err(err).Msg("Retry queue drain failed")
		return
	}
	if res.Processed+res.Errors > 0 {
		log.Info().
			Int("processed", res.Processed).
			Int("errors", res.Errors).
			Int("requeued", res.Requeued).
			Int("abandoned", res.Abandoned).
			Msg("Retry queue drained")
	}
}

// RefreshMatches registers matches from the odds API and tracks them
func (s *Scheduler) RefreshMatches(ctx context.Context) {
	if _, err := s.runner.RefreshMatches(ctx, s.cfg.SportID); err != nil {
		log.Error().Err(err).Str("sport_id", s.cfg.SportID).Msg("Match refresh failed")
		return
	}

	if err := s.Seed(ctx); err != nil {
		log.Warn().Err(err).Msg("Seeding after refresh failed")
	}
}

// Seed tracks every trackable match for the seed feeds
func (s *Scheduler) Seed(ctx context.Context) error {
	if s.matches == nil {
		return nil
	}
	matches, err := s.matches.ListTrackable(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to list trackable matches: %w", err)
	}
	for _, m := range matches {
		for _, kind := range s.cfg.SeedKinds {
			s.Track(kind, m.APIEventID, m.APIMarketID)
		}
	}
	log.Info().Int("matches", len(matches)).Int("tracked", s.Tracked()).Msg("Tracked keys seeded")
	return nil
}

// Sweep reconciles every cached raw payload without calling the odds API
func (s *Scheduler) Sweep(ctx context.Context) int {
	synced := 0
	for _, kind := range models.Kinds {
		keys, err := s.keys.Keys(ctx, cache.RawPattern(kind))
		if err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("Cache sweep scan failed")
			continue
		}
		for _, key := range keys {
			pk, err := cache.ParseKey(key)
			if err != nil {
				continue
			}
			if _, err := s.runner.SyncFromCache(ctx, kind, pk.EventID, pk.MarketID); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("Cache sweep skipped key")
				continue
			}
			synced++
		}
	}
	log.Info().Int("synced", synced).Msg("Cache sweep complete")
	return synced
}

// listen tracks keys announced on the update channels
func (s *Scheduler) listen(ctx context.Context, updates <-chan cache.Message) {
	defer s.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			s.handleUpdate(msg)
		}
	}
}

func (s *Scheduler) handleUpdate(msg cache.Message) {
	kind, ok := models.ParseKind(strings.TrimSuffix(msg.Channel, ":update"))
	if !ok {
		return
	}
	var note struct {
		EventID  string `json:"event_id"`
		MarketID string `json:"market_id"`
	}
	if err := json.Unmarshal(msg.Payload, &note); err != nil || note.EventID == "" || note.MarketID == "" {
		log.Debug().Str("channel", msg.Channel).Msg("Ignoring malformed update")
		return
	}
	s.Track(kind, note.EventID, note.MarketID)
}

func updateChannels() []string {
	channels := make([]string, 0, len(models.Kinds))
	for _, k := range models.Kinds {
		channels = append(channels, cache.UpdateChannel(k))
	}
	return channels
}
