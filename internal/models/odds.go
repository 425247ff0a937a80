package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Question status values
const (
	QuestionSuspended int16 = 0
	QuestionOpen      int16 = 1
)

// Option status values
const (
	OptionInactive int16 = 0
	OptionActive   int16 = 1
)

// Fancy option sides
const (
	SideBack = "Back"
	SideLay  = "Lay"
)

// Question is a bettable market on a match (bet_questions row).
//
// Business key: (match_id, market_id, event_id, question). Runner-based
// markets carry one question per market so the text equals the market title;
// fancy feeds carry many questions per market and the text tells them apart.
type Question struct {
	ID         int64           `db:"id" json:"id"`
	MatchID    int64           `db:"match_id" json:"match_id"`
	MarketID   string          `db:"market_id" json:"market_id"`
	EventID    string          `db:"event_id" json:"event_id"`
	Question   string          `db:"question" json:"question"`
	MarketName string          `db:"market_name" json:"market_name"`
	EndTime    *time.Time      `db:"end_time" json:"end_time,omitempty"`
	Status     int16           `db:"status" json:"status"`
	InPlay     bool            `db:"inplay" json:"inplay"`
	MinAmount  decimal.Decimal `db:"min_amount" json:"min_amount"`
	MaxAmount  decimal.Decimal `db:"max_amount" json:"max_amount"`
	FetchedAt  time.Time       `db:"fetched_at" json:"fetched_at"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Key returns the business key in a loggable form
func (q *Question) Key() string {
	return fmt.Sprintf("%d:%s:%s:%s", q.MatchID, q.MarketID, q.EventID, q.Question)
}

// Option is one selectable outcome of a Question (bet_options row).
// Business key: (question_id, selection_id, option_name).
type Option struct {
	ID              int64           `db:"id" json:"id"`
	QuestionID      int64           `db:"question_id" json:"question_id"`
	MatchID         int64           `db:"match_id" json:"match_id"`
	OptionName      string          `db:"option_name" json:"option_name"`
	SelectionID     string          `db:"selection_id" json:"selection_id"`
	LastPriceTraded decimal.Decimal `db:"last_price_traded" json:"last_price_traded"`
	Price2          decimal.Decimal `db:"price_2" json:"price_2"`
	Price3          decimal.Decimal `db:"price_3" json:"price_3"`
	Size            decimal.Decimal `db:"size" json:"size"`
	MinAmount       decimal.Decimal `db:"min_amount" json:"min_amount"`
	MaxAmount       decimal.Decimal `db:"max_amount" json:"max_amount"`
	Status          int16           `db:"status" json:"status"`
	FetchedAt       time.Time       `db:"fetched_at" json:"fetched_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Key returns the business key in a loggable form
func (o *Option) Key() string {
	return fmt.Sprintf("%d:%s:%s", o.QuestionID, o.SelectionID, o.OptionName)
}
