package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"

	"github.com/rs/zerolog/log"
)

// RefreshResult counts match registrations from one refresh
type RefreshResult struct {
	Competitions int `json:"competitions"`
	Events       int `json:"events"`
	Inserted     int `json:"inserted"`
	Updated      int `json:"updated"`
	Failed       int `json:"failed"`
}

// CompetitionsKey is the cache key for a sport's competitions listing
func CompetitionsKey(sportID string) string {
	return "competitions:data:" + sportID
}

// RefreshMatches registers one match per (event, market) for every
// competition of a sport. Matches must exist before odds can attach to them.
// A failing competition is logged and skipped.
func (p *Pipeline) RefreshMatches(ctx context.Context, sportID string) (RefreshResult, error) {
	var res RefreshResult

	comps, err := p.source.FetchCompetitions(ctx, sportID)
	if errors.Is(err, models.ErrSourceEmpty) {
		log.Warn().Str("sport_id", sportID).Msg("No competitions found")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Competitions = len(comps)

	if raw, err := json.Marshal(comps); err == nil && p.cfg.RouteTTL > 0 {
		p.cache.Set(ctx, CompetitionsKey(sportID), raw, p.cfg.RouteTTL)
	}

	for _, comp := range comps {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		compID := comp.Competition.ID.String()
		events, err := p.source.FetchEvents(ctx, sportID, compID)
		if errors.Is(err, models.ErrSourceEmpty) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("competition_id", compID).Msg("Failed to fetch events")
			res.Failed++
			continue
		}

		for i := range events {
			res.Events++
			for _, m := range events[i].ToMatches(compID) {
				r, err := p.engine.ReconcileMatch(ctx, m)
				if err != nil {
					res.Failed++
					metrics.RecordMatchRegistered(string(models.ActionFailed))
					continue
				}
				metrics.RecordMatchRegistered(string(r.Action))
				switch r.Action {
				case models.ActionInserted:
					res.Inserted++
				case models.ActionUpdated:
					res.Updated++
				}
			}
		}
	}

	log.Info().
		Str("sport_id", sportID).
		Int("competitions", res.Competitions).
		Int("events", res.Events).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Msg("Match refresh complete")

	if res.Failed > 0 && res.Inserted+res.Updated == 0 {
		return res, fmt.Errorf("%w: no matches registered, %d failures", models.ErrPersistFailed, res.Failed)
	}
	return res, nil
}
