// Command manualfetch registers matches from the odds API on demand.
// It runs the same competition and event walk as the worker's nightly job,
// then reports which registered matches are now eligible for polling.
package main

import (
	"context"
	"os"
	"time"

	"oddsfeed/ingestion/internal/app"
	"oddsfeed/ingestion/internal/config"

	"github.com/rs/zerolog/log"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cfg := config.MustLoad()

	sportID := cfg.CompetitionSportID
	if len(os.Args) > 1 && os.Args[1] != "" {
		sportID = os.Args[1]
	}

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer svc.Close()

	// 1. Validate database connectivity
	log.Info().Msg("Validating service health...")
	if err := svc.DB.Health(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database health check failed")
	}

	// 2. Register matches for every competition of the sport
	res, err := svc.Pipeline.RefreshMatches(ctx, sportID)
	if err != nil {
		log.Fatal().Err(err).Str("sport_id", sportID).Msg("Match refresh failed")
	}
	log.Info().
		Str("sport_id", sportID).
		Int("competitions", res.Competitions).
		Int("events", res.Events).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Msg("Matches registered")

	// 3. Report what the scheduler will pick up
	matches, err := svc.DB.Matches.ListTrackable(ctx, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list trackable matches")
	}
	for _, m := range matches {
		log.Info().
			Str("event_id", m.APIEventID).
			Str("market_id", m.APIMarketID).
			Str("name", m.APIEventName).
			Str("status", string(m.Status)).
			Msg("Trackable match")
	}

	log.Info().Int("trackable", len(matches)).Msg("Manual match fetch complete.")
}
