package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
)

// MatchRepository handles match database operations
type MatchRepository struct {
	db *Database
}

const matchColumns = `
	id, competition_id, api_event_id, api_market_id, api_event_name, market_name,
	team_1, team_2, team_1_slug, team_2_slug, start_date, end_date, status,
	created_at, updated_at`

// GetByEventMarket retrieves a match by its vendor key. Returns nil, nil when
// no match is registered.
func (r *MatchRepository) GetByEventMarket(ctx context.Context, eventID, marketID string) (*models.Match, error) {
	start := time.Now()
	query := `SELECT ` + matchColumns + ` FROM matches WHERE api_event_id = $1 AND api_market_id = $2`

	m, err := scanMatch(r.db.Pool.QueryRow(ctx, query, eventID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		observe("select", "matches", start, nil)
		return nil, nil
	}
	observe("select", "matches", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

// Upsert inserts or updates a match on (api_event_id, api_market_id).
// Once a match is completed only its status changes.
func (r *MatchRepository) Upsert(ctx context.Context, m *models.Match) (models.Action, error) {
	start := time.Now()
	query := `
		INSERT INTO matches (
			competition_id, api_event_id, api_market_id, api_event_name, market_name,
			team_1, team_2, team_1_slug, team_2_slug, start_date, end_date, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (api_event_id, api_market_id) DO UPDATE SET
			competition_id = CASE WHEN matches.status = 'completed' THEN matches.competition_id ELSE EXCLUDED.competition_id END,
			api_event_name = CASE WHEN matches.status = 'completed' THEN matches.api_event_name ELSE EXCLUDED.api_event_name END,
			market_name    = CASE WHEN matches.status = 'completed' THEN matches.market_name ELSE EXCLUDED.market_name END,
			team_1         = CASE WHEN matches.status = 'completed' THEN matches.team_1 ELSE EXCLUDED.team_1 END,
			team_2         = CASE WHEN matches.status = 'completed' THEN matches.team_2 ELSE EXCLUDED.team_2 END,
			team_1_slug    = CASE WHEN matches.status = 'completed' THEN matches.team_1_slug ELSE EXCLUDED.team_1_slug END,
			team_2_slug    = CASE WHEN matches.status = 'completed' THEN matches.team_2_slug ELSE EXCLUDED.team_2_slug END,
			start_date     = CASE WHEN matches.status = 'completed' THEN matches.start_date ELSE EXCLUDED.start_date END,
			end_date       = CASE WHEN matches.status = 'completed' THEN matches.end_date ELSE EXCLUDED.end_date END,
			status         = EXCLUDED.status,
			updated_at     = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.Pool.QueryRow(
		ctx, query,
		m.CompetitionID, m.APIEventID, m.APIMarketID, m.APIEventName, m.MarketName,
		m.Team1, m.Team2, m.Team1Slug, m.Team2Slug,
		nullTime(m.StartDate), nullTime(m.EndDate), string(m.Status),
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt, &inserted)
	observe("upsert", "matches", start, err)

	if err != nil {
		return "", fmt.Errorf("failed to upsert match: %w", translate(err))
	}
	if inserted {
		return models.ActionInserted, nil
	}
	return models.ActionUpdated, nil
}

// ListTrackable returns matches still worth polling: not finished and not
// past their end date.
func (r *MatchRepository) ListTrackable(ctx context.Context, now time.Time) ([]*models.Match, error) {
	start := time.Now()
	query := `SELECT ` + matchColumns + `
		FROM matches
		WHERE status IN ('upcoming', 'live')
		  AND (end_date IS NULL OR end_date > $1)
		ORDER BY start_date NULLS LAST, id`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		observe("select", "matches", start, err)
		return nil, fmt.Errorf("failed to list trackable matches: %w", err)
	}
	defer rows.Close()

	var matches []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	observe("select", "matches", start, rows.Err())

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	return matches, nil
}

func scanMatch(row pgx.Row) (*models.Match, error) {
	var (
		m         models.Match
		status    string
		startDate *time.Time
		endDate   *time.Time
	)
	err := row.Scan(
		&m.ID, &m.CompetitionID, &m.APIEventID, &m.APIMarketID, &m.APIEventName, &m.MarketName,
		&m.Team1, &m.Team2, &m.Team1Slug, &m.Team2Slug, &startDate, &endDate, &status,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = models.MatchStatus(status)
	if startDate != nil {
		m.StartDate = *startDate
	}
	if endDate != nil {
		m.EndDate = *endDate
	}
	return &m, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
