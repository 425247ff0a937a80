package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// The unique indexes on each business key are what make concurrent
// reconciliation safe: the losing insert gets 23505 and is retried as an update.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS matches (
		id             BIGSERIAL PRIMARY KEY,
		competition_id TEXT NOT NULL DEFAULT '',
		api_event_id   TEXT NOT NULL,
		api_market_id  TEXT NOT NULL,
		api_event_name TEXT NOT NULL DEFAULT '',
		market_name    TEXT NOT NULL DEFAULT '',
		team_1         TEXT NOT NULL DEFAULT '',
		team_2         TEXT NOT NULL DEFAULT '',
		team_1_slug    TEXT NOT NULL DEFAULT '',
		team_2_slug    TEXT NOT NULL DEFAULT '',
		start_date     TIMESTAMPTZ,
		end_date       TIMESTAMPTZ,
		status         TEXT NOT NULL DEFAULT 'upcoming',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS matches_event_market_key
		ON matches (api_event_id, api_market_id)`,

	`CREATE TABLE IF NOT EXISTS bet_questions (
		id          BIGSERIAL PRIMARY KEY,
		match_id    BIGINT NOT NULL REFERENCES matches(id),
		market_id   TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		question    TEXT NOT NULL,
		market_name TEXT NOT NULL DEFAULT '',
		end_time    TIMESTAMPTZ,
		status      SMALLINT NOT NULL DEFAULT 1,
		inplay      BOOLEAN NOT NULL DEFAULT FALSE,
		min_amount  NUMERIC(18,4) NOT NULL DEFAULT 0,
		max_amount  NUMERIC(18,4) NOT NULL DEFAULT 0,
		fetched_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bet_questions_business_key
		ON bet_questions (match_id, market_id, event_id, question)`,

	`CREATE TABLE IF NOT EXISTS bet_options (
		id                BIGSERIAL PRIMARY KEY,
		question_id       BIGINT NOT NULL REFERENCES bet_questions(id),
		match_id          BIGINT NOT NULL REFERENCES matches(id),
		option_name       TEXT NOT NULL,
		selection_id      TEXT NOT NULL,
		last_price_traded NUMERIC(18,4) NOT NULL DEFAULT 1,
		price_2           NUMERIC(18,4) NOT NULL DEFAULT 0,
		price_3           NUMERIC(18,4) NOT NULL DEFAULT 0,
		size              NUMERIC(18,4) NOT NULL DEFAULT 0,
		min_amount        NUMERIC(18,4) NOT NULL DEFAULT 0,
		max_amount        NUMERIC(18,4) NOT NULL DEFAULT 0,
		status            SMALLINT NOT NULL DEFAULT 1,
		fetched_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bet_options_business_key
		ON bet_options (question_id, selection_id, option_name)`,
}

// EnsureSchema creates the tables and unique business-key indexes if missing
func (db *Database) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("Database schema ensured")
	return nil
}
