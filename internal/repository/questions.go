package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
)

// QuestionRepository handles bet_questions database operations
type QuestionRepository struct {
	db *Database
}

const questionColumns = `
	id, match_id, market_id, event_id, question, market_name, end_time,
	status, inplay, min_amount, max_amount, fetched_at, created_at, updated_at`

// FindByKey looks a question up by (match_id, market_id, event_id, question).
// Returns nil, nil when it does not exist yet.
func (r *QuestionRepository) FindByKey(ctx context.Context, q *models.Question) (*models.Question, error) {
	start := time.Now()
	query := `SELECT ` + questionColumns + `
		FROM bet_questions
		WHERE match_id = $1 AND market_id = $2 AND event_id = $3 AND question = $4`

	found, err := scanQuestion(r.db.Pool.QueryRow(ctx, query, q.MatchID, q.MarketID, q.EventID, q.Question))
	if errors.Is(err, pgx.ErrNoRows) {
		observe("select", "bet_questions", start, nil)
		return nil, nil
	}
	observe("select", "bet_questions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to find question: %w", err)
	}
	return found, nil
}

// GetByID retrieves a question by id
func (r *QuestionRepository) GetByID(ctx context.Context, id int64) (*models.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM bet_questions WHERE id = $1`

	q, err := scanQuestion(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get question %d: %w", id, err)
	}
	return q, nil
}

// Insert creates a question. A concurrent writer holding the same business
// key yields models.ErrDuplicateKey.
func (r *QuestionRepository) Insert(ctx context.Context, q *models.Question) error {
	start := time.Now()
	query := `
		INSERT INTO bet_questions (
			match_id, market_id, event_id, question, market_name, end_time,
			status, inplay, min_amount, max_amount, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(
		ctx, query,
		q.MatchID, q.MarketID, q.EventID, q.Question, q.MarketName, q.EndTime,
		q.Status, q.InPlay, q.MinAmount, q.MaxAmount, q.FetchedAt,
	).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	observe("insert", "bet_questions", start, err)

	if err != nil {
		return fmt.Errorf("failed to insert question: %w", translate(err))
	}
	return nil
}

// Update writes the mutable fields of q onto row id. Writes older than the
// stored fetched_at are ignored and reported as false.
func (r *QuestionRepository) Update(ctx context.Context, id int64, q *models.Question) (bool, error) {
	start := time.Now()
	query := `
		UPDATE bet_questions SET
			market_name = $2,
			end_time = $3,
			status = $4,
			inplay = $5,
			min_amount = $6,
			max_amount = $7,
			fetched_at = $8,
			updated_at = NOW()
		WHERE id = $1 AND fetched_at <= $8
	`

	tag, err := r.db.Pool.Exec(
		ctx, query,
		id, q.MarketName, q.EndTime, q.Status, q.InPlay, q.MinAmount, q.MaxAmount, q.FetchedAt,
	)
	observe("update", "bet_questions", start, err)

	if err != nil {
		return false, fmt.Errorf("failed to update question %d: %w", id, translate(err))
	}
	return tag.RowsAffected() > 0, nil
}

// ListByMatch returns every question attached to a match
func (r *QuestionRepository) ListByMatch(ctx context.Context, matchID int64) ([]*models.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM bet_questions WHERE match_id = $1 ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var questions []*models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating questions: %w", err)
	}
	return questions, nil
}

func scanQuestion(row pgx.Row) (*models.Question, error) {
	var q models.Question
	err := row.Scan(
		&q.ID, &q.MatchID, &q.MarketID, &q.EventID, &q.Question, &q.MarketName, &q.EndTime,
		&q.Status, &q.InPlay, &q.MinAmount, &q.MaxAmount, &q.FetchedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}
