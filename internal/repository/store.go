package repository

import (
	"context"

	"oddsfeed/ingestion/internal/models"
)

// The methods below let *Database serve as the reconciliation store.

func (db *Database) FindQuestion(ctx context.Context, q *models.Question) (*models.Question, error) {
	return db.Questions.FindByKey(ctx, q)
}

func (db *Database) InsertQuestion(ctx context.Context, q *models.Question) error {
	return db.Questions.Insert(ctx, q)
}

func (db *Database) UpdateQuestion(ctx context.Context, id int64, q *models.Question) (bool, error) {
	return db.Questions.Update(ctx, id, q)
}

func (db *Database) FindOption(ctx context.Context, o *models.Option) (*models.Option, error) {
	return db.Options.FindByKey(ctx, o)
}

func (db *Database) InsertOption(ctx context.Context, o *models.Option) error {
	return db.Options.Insert(ctx, o)
}

func (db *Database) UpdateOption(ctx context.Context, id int64, o *models.Option) (bool, error) {
	return db.Options.Update(ctx, id, o)
}

func (db *Database) UpsertMatch(ctx context.Context, m *models.Match) (models.Action, error) {
	return db.Matches.Upsert(ctx, m)
}

func (db *Database) GetMatch(ctx context.Context, eventID, marketID string) (*models.Match, error) {
	return db.Matches.GetByEventMarket(ctx, eventID, marketID)
}
