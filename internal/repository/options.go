package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
)

// OptionRepository handles bet_options database operations
type OptionRepository struct {
	db *Database
}

const optionColumns = `
	id, question_id, match_id, option_name, selection_id, last_price_traded,
	price_2, price_3, size, min_amount, max_amount, status, fetched_at,
	created_at, updated_at`

// FindByKey looks an option up by (question_id, selection_id, option_name).
// Returns nil, nil when it does not exist yet.
func (r *OptionRepository) FindByKey(ctx context.Context, o *models.Option) (*models.Option, error) {
	start := time.Now()
	query := `SELECT ` + optionColumns + `
		FROM bet_options
		WHERE question_id = $1 AND selection_id = $2 AND option_name = $3`

	found, err := scanOption(r.db.Pool.QueryRow(ctx, query, o.QuestionID, o.SelectionID, o.OptionName))
	if errors.Is(err, pgx.ErrNoRows) {
		observe("select", "bet_options", start, nil)
		return nil, nil
	}
	observe("select", "bet_options", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to find option: %w", err)
	}
	return found, nil
}

// Insert creates an option. A concurrent writer holding the same business
// key yields models.ErrDuplicateKey.
func (r *OptionRepository) Insert(ctx context.Context, o *models.Option) error {
	start := time.Now()
	query := `
		INSERT INTO bet_options (
			question_id, match_id, option_name, selection_id, last_price_traded,
			price_2, price_3, size, min_amount, max_amount, status, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(
		ctx, query,
		o.QuestionID, o.MatchID, o.OptionName, o.SelectionID, o.LastPriceTraded,
		o.Price2, o.Price3, o.Size, o.MinAmount, o.MaxAmount, o.Status, o.FetchedAt,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	observe("insert", "bet_options", start, err)

	if err != nil {
		return fmt.Errorf("failed to insert option: %w", translate(err))
	}
	return nil
}

// Update writes price, bounds and status onto row id. Writes older than the
// stored fetched_at are ignored and reported as false.
func (r *OptionRepository) Update(ctx context.Context, id int64, o *models.Option) (bool, error) {
	start := time.Now()
	query := `
		UPDATE bet_options SET
			last_price_traded = $2,
			price_2 = $3,
			price_3 = $4,
			size = $5,
			min_amount = $6,
			max_amount = $7,
			status = $8,
			fetched_at = $9,
			updated_at = NOW()
		WHERE id = $1 AND fetched_at <= $9
	`

	tag, err := r.db.Pool.Exec(
		ctx, query,
		id, o.LastPriceTraded, o.Price2, o.Price3, o.Size, o.MinAmount, o.MaxAmount, o.Status, o.FetchedAt,
	)
	observe("update", "bet_options", start, err)

	if err != nil {
		return false, fmt.Errorf("failed to update option %d: %w", id, translate(err))
	}
	return tag.RowsAffected() > 0, nil
}

// ListByQuestion returns the options of a question
func (r *OptionRepository) ListByQuestion(ctx context.Context, questionID int64) ([]*models.Option, error) {
	query := `SELECT ` + optionColumns + ` FROM bet_options WHERE question_id = $1 ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list options: %w", err)
	}
	defer rows.Close()

	var options []*models.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan option: %w", err)
		}
		options = append(options, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating options: %w", err)
	}
	return options, nil
}

// CountByQuestion returns how many options a question has
func (r *OptionRepository) CountByQuestion(ctx context.Context, questionID int64) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM bet_options WHERE question_id = $1`, questionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count options: %w", err)
	}
	return n, nil
}

func scanOption(row pgx.Row) (*models.Option, error) {
	var o models.Option
	err := row.Scan(
		&o.ID, &o.QuestionID, &o.MatchID, &o.OptionName, &o.SelectionID, &o.LastPriceTraded,
		&o.Price2, &o.Price3, &o.Size, &o.MinAmount, &o.MaxAmount, &o.Status, &o.FetchedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
