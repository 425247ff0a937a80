// Odds Sync
//
// Runs one reconciliation pass and exits. Operators use it to force a feed
// refresh, replay a cached payload or drain the retry queue without waiting
// for the worker's scheduler.
//
//	oddssync -kind bookmaker -event E1 -market M1
//	oddssync -kind fancy -event E1 -market M1 -from-cache
//	oddssync -drain -max 50
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"oddsfeed/ingestion/internal/app"
	"oddsfeed/ingestion/internal/config"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/queue"

	"go.uber.org/zap"
)

// Options are the command line settings
type Options struct {
	Kind      string
	EventID   string
	MarketID  string
	FromCache bool
	Drain     bool
	MaxItems  int
	Timeout   time.Duration
}

// Runner is the subset of the pipeline used here
type Runner interface {
	Run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
	SyncFromCache(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
}

// Drainer is the subset of the retry queue used here
type Drainer interface {
	DrainOnce(ctx context.Context, maxItems int) (queue.DrainResult, error)
	Len(ctx context.Context) (int64, error)
}

// OddsSync executes one operator request
type OddsSync struct {
	runner Runner
	queue  Drainer
	logger *zap.Logger
	opts   Options
}

// NewOddsSync creates the run-once service
func NewOddsSync(runner Runner, q Drainer, logger *zap.Logger, opts Options) *OddsSync {
	return &OddsSync{runner: runner, queue: q, logger: logger, opts: opts}
}

func parseOptions(args []string) (Options, error) {
	var opts Options
	fs := flag.NewFlagSet("oddssync", flag.ContinueOnError)
	fs.StringVar(&opts.Kind, "kind", "bookmaker", "odds feed: bookmaker, fancy or event")
	fs.StringVar(&opts.EventID, "event", "", "event id")
	fs.StringVar(&opts.MarketID, "market", "", "market id")
	fs.BoolVar(&opts.FromCache, "from-cache", false, "reconcile the cached payload instead of calling the odds API")
	fs.BoolVar(&opts.Drain, "drain", false, "drain the retry queue")
	fs.IntVar(&opts.MaxItems, "max", 5, "maximum queue entries per drain")
	fs.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	if opts.Drain {
		if opts.MaxItems <= 0 {
			return Options{}, fmt.Errorf("-max must be positive")
		}
		return opts, nil
	}
	if _, ok := models.ParseKind(opts.Kind); !ok {
		return Options{}, fmt.Errorf("unknown kind %q", opts.Kind)
	}
	if opts.EventID == "" || opts.MarketID == "" {
		return Options{}, fmt.Errorf("-event and -market are required")
	}
	return opts, nil
}

// Sync runs the requested operation. Per-item failures are reported in the
// log; only failures that prevented the run return an error.
func (s *OddsSync) Sync(ctx context.Context) error {
	if s.opts.Drain {
		return s.drain(ctx)
	}

	kind, _ := models.ParseKind(s.opts.Kind)
	s.logger.Info("Reconciling feed",
		zap.String("kind", string(kind)),
		zap.String("event_id", s.opts.EventID),
		zap.String("market_id", s.opts.MarketID),
		zap.Bool("from_cache", s.opts.FromCache))

	var (
		summary *models.Summary
		err     error
	)
	if s.opts.FromCache {
		summary, err = s.runner.SyncFromCache(ctx, kind, s.opts.EventID, s.opts.MarketID)
	} else {
		summary, err = s.runner.Run(ctx, kind, s.opts.EventID, s.opts.MarketID)
	}
	if err != nil {
		return fmt.Errorf("sync %s %s/%s: %w", kind, s.opts.EventID, s.opts.MarketID, err)
	}

	for _, d := range summary.Details {
		if d.Status == models.ActionFailed || d.Status == models.ActionQueued {
			s.logger.Warn("Option not persisted",
				zap.String("name", d.Name),
				zap.String("selection_id", d.SelectionID),
				zap.String("status", string(d.Status)),
				zap.String("reason", d.Reason))
		}
	}
	s.logger.Info("Sync complete",
		zap.String("message", summary.Message),
		zap.String("source", summary.Source),
		zap.Int64("question_id", summary.QuestionID),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("queued", summary.Queued))
	return nil
}

func (s *OddsSync) drain(ctx context.Context) error {
	res, err := s.queue.DrainOnce(ctx, s.opts.MaxItems)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	pending, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("Queue length unavailable", zap.Error(err))
	}
	s.logger.Info("Drain complete",
		zap.Int("processed", res.Processed),
		zap.Int("errors", res.Errors),
		zap.Int("requeued", res.Requeued),
		zap.Int("abandoned", res.Abandoned),
		zap.Int("deferred", res.Deferred),
		zap.Int64("pending", pending))
	return nil
}

// exitCode maps a sync error onto the process status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrMatchNotFound), errors.Is(err, models.ErrSourceEmpty):
		return 2
	case errors.Is(err, models.ErrSourceUnavailable):
		return 3
	default:
		return 1
	}
}

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		logger.Error("Invalid arguments", zap.Error(err))
		os.Exit(64)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svc.Close()

	sync := NewOddsSync(svc.Pipeline, svc.Queue, logger, opts)

	if err := sync.Sync(ctx); err != nil {
		logger.Error("Sync failed", zap.Error(err))
		svc.Close()
		logger.Sync()
		os.Exit(exitCode(err))
	}
	logger.Info("Manual sync completed successfully")
}
