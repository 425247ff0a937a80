// Package mapper turns vendor odds payloads into bet_questions and
// bet_options records. Every function here is pure.
//
// Defaults for absent or unusable numbers: prices 1.0, sizes and bounds 0.
// Negative bounds and sizes are clamped to 0; non-positive prices fall back
// to 1.0.
package mapper

import (
	"fmt"
	"strings"
	"time"

	"oddsfeed/ingestion/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultFancyMarket is used when a fancy item has no gtype
const DefaultFancyMarket = "session"

var defaultPrice = decimal.NewFromInt(1)

// MatchContext carries the match a payload is being attached to
type MatchContext struct {
	MatchID   int64
	EventID   string
	MarketID  string
	EndTime   time.Time
	FetchedAt time.Time
}

// QuestionContext carries the reconciled question options attach to
type QuestionContext struct {
	QuestionID int64
	MatchID    int64
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	FetchedAt  time.Time
}

// ContextFor builds the option context for a reconciled question
func ContextFor(q *models.Question) QuestionContext {
	return QuestionContext{
		QuestionID: q.ID,
		MatchID:    q.MatchID,
		MinAmount:  q.MinAmount,
		MaxAmount:  q.MaxAmount,
		FetchedAt:  q.FetchedAt,
	}
}

// Failure is one vendor item that could not be mapped
type Failure struct {
	Name        string
	SelectionID string
	Err         error
}

// Detail renders the failure for a run summary
func (f Failure) Detail() models.Detail {
	return models.Detail{
		Name:        f.Name,
		SelectionID: f.SelectionID,
		Status:      models.ActionFailed,
		Reason:      f.Err.Error(),
	}
}

// OptionBatch is the result of mapping one market's runners
type OptionBatch struct {
	Options  []*models.Option
	Failures []Failure
}

// MapQuestion maps a runner-based market onto its question record
func MapQuestion(m *models.MarketPayload, mc MatchContext) *models.Question {
	q := &models.Question{
		MatchID:    mc.MatchID,
		MarketID:   mc.MarketID,
		EventID:    mc.EventID,
		Question:   strings.TrimSpace(m.Title()),
		MarketName: strings.TrimSpace(m.MName),
		Status:     questionStatus(m.Status),
		InPlay:     bool(m.InPlay),
		MinAmount:  bound(m.Min),
		MaxAmount:  bound(m.Max),
		FetchedAt:  mc.FetchedAt,
	}
	if q.MarketName == "" {
		q.MarketName = q.Question
	}
	if !mc.EndTime.IsZero() {
		end := mc.EndTime
		q.EndTime = &end
	}
	return q
}

// MapOptions maps runners onto option records. A runner without a selection
// id or a name is reported as a failure; the rest of the batch is kept.
func MapOptions(runners []models.RunnerPayload, qc QuestionContext) OptionBatch {
	var batch OptionBatch
	for i := range runners {
		r := &runners[i]
		name := strings.TrimSpace(r.Name())
		sel := r.SelectionID.String()

		if err := required(name, sel); err != nil {
			batch.Failures = append(batch.Failures, Failure{Name: name, SelectionID: sel, Err: err})
			continue
		}

		minAmt, maxAmt := bound(r.Min), bound(r.Max)
		if !r.Min.Valid {
			minAmt = qc.MinAmount
		}
		if !r.Max.Valid {
			maxAmt = qc.MaxAmount
		}

		batch.Options = append(batch.Options, &models.Option{
			QuestionID:      qc.QuestionID,
			MatchID:         qc.MatchID,
			OptionName:      name,
			SelectionID:     sel,
			LastPriceTraded: price(r.LastPriceTraded),
			Size:            bound(r.Size),
			MinAmount:       minAmt,
			MaxAmount:       maxAmt,
			Status:          optionStatus(r.Status),
			FetchedAt:       qc.FetchedAt,
		})
	}
	return batch
}

// FancyResult is one fancy item: a question and its Back and Lay options.
// Options carry no QuestionID until the question has been reconciled.
type FancyResult struct {
	Question *models.Question
	Options  []*models.Option
}

// FancyBatch is the result of mapping a fancy-odds payload
type FancyBatch struct {
	Results  []FancyResult
	Failures []Failure
}

// MapFancy maps session-style items. Each item yields one question keyed by
// its runner name and two options, Back and Lay, each with its own price.
func MapFancy(items []models.FancyItem, mc MatchContext) FancyBatch {
	var batch FancyBatch
	for i := range items {
		it := &items[i]
		name := strings.TrimSpace(it.RunnerName)
		sel := it.SelectionID.String()

		if err := required(name, sel); err != nil {
			batch.Failures = append(batch.Failures, Failure{Name: name, SelectionID: sel, Err: err})
			continue
		}

		marketName := strings.TrimSpace(it.GType)
		if marketName == "" {
			marketName = DefaultFancyMarket
		}

		status := models.QuestionOpen
		if strings.EqualFold(strings.TrimSpace(it.GameStatus), "SUSPENDED") {
			status = models.QuestionSuspended
		}
		optStatus := models.OptionActive
		if status == models.QuestionSuspended {
			optStatus = models.OptionInactive
		}

		q := &models.Question{
			MatchID:    mc.MatchID,
			MarketID:   mc.MarketID,
			EventID:    mc.EventID,
			Question:   name,
			MarketName: marketName,
			Status:     status,
			InPlay:     true,
			MinAmount:  bound(it.Min),
			MaxAmount:  bound(it.Max),
			FetchedAt:  mc.FetchedAt,
		}
		if !mc.EndTime.IsZero() {
			end := mc.EndTime
			q.EndTime = &end
		}

		side := func(option string, p1, p2, p3, size models.FlexDecimal) *models.Option {
			return &models.Option{
				MatchID:         mc.MatchID,
				OptionName:      option,
				SelectionID:     sel,
				LastPriceTraded: price(p1),
				Price2:          bound(p2),
				Price3:          bound(p3),
				Size:            bound(size),
				MinAmount:       q.MinAmount,
				MaxAmount:       q.MaxAmount,
				Status:          optStatus,
				FetchedAt:       mc.FetchedAt,
			}
		}

		batch.Results = append(batch.Results, FancyResult{
			Question: q,
			Options: []*models.Option{
				side(models.SideBack, it.BackPrice1, it.BackPrice2, it.BackPrice3, it.BackSize1),
				side(models.SideLay, it.LayPrice1, it.LayPrice2, it.LayPrice3, it.LaySize1),
			},
		})
	}
	return batch
}

func required(name, selectionID string) error {
	switch {
	case selectionID == "":
		return fmt.Errorf("%w: missing selection id", models.ErrMappingSkipped)
	case name == "":
		return fmt.Errorf("%w: missing runner name", models.ErrMappingSkipped)
	}
	return nil
}

func questionStatus(s string) int16 {
	if strings.ToUpper(strings.TrimSpace(s)) == "OPEN" {
		return models.QuestionOpen
	}
	return models.QuestionSuspended
}

func optionStatus(s string) int16 {
	if strings.ToUpper(strings.TrimSpace(s)) == "ACTIVE" {
		return models.OptionActive
	}
	return models.OptionInactive
}

func price(v models.FlexDecimal) decimal.Decimal {
	if !v.Valid || !v.Value.IsPositive() {
		return defaultPrice
	}
	return v.Value
}

func bound(v models.FlexDecimal) decimal.Decimal {
	if !v.Valid || v.Value.IsNegative() {
		return decimal.Zero
	}
	return v.Value
}
