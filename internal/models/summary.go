package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an odds feed
type Kind string

const (
	KindBookmaker Kind = "bookmaker"
	KindFancy     Kind = "fancy"
	KindEvent     Kind = "event"
)

// Kinds lists every supported feed
var Kinds = []Kind{KindBookmaker, KindFancy, KindEvent}

// ParseKind accepts the short name or the route form ("bookmaker-odds")
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "bookmaker", "bookmaker-odds":
		return KindBookmaker, true
	case "fancy", "fancy-odds":
		return KindFancy, true
	case "event", "event-odds":
		return KindEvent, true
	}
	return "", false
}

// Path returns the odds API path segment for the feed
func (k Kind) Path() string {
	return string(k) + "-odds"
}

// Action is the outcome of reconciling one record
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionSkipped  Action = "skipped"
	ActionFailed   Action = "failed"
	ActionQueued   Action = "queued"
)

// Detail describes the outcome for one item in a batch
type Detail struct {
	Name        string `json:"name"`
	SelectionID string `json:"selection_id"`
	Status      Action `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// Summary is returned by every pipeline run, including partial failures
type Summary struct {
	Message     string   `json:"message"`
	Kind        Kind     `json:"kind"`
	EventID     string   `json:"event_id"`
	MarketID    string   `json:"market_id"`
	QuestionID  int64    `json:"question_id,omitempty"`
	QuestionIDs []int64  `json:"results,omitempty"`
	Source      string   `json:"source"`
	InPlay      bool     `json:"inplay"`
	Inserted    int      `json:"inserted"`
	Updated     int      `json:"updated"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	Queued      int      `json:"queued"`
	Details     []Detail `json:"details"`
}

// Record adds one item outcome to the summary counters
func (s *Summary) Record(d Detail) {
	switch d.Status {
	case ActionInserted:
		s.Inserted++
	case ActionUpdated:
		s.Updated++
	case ActionSkipped:
		s.Skipped++
	case ActionFailed:
		s.Failed++
	case ActionQueued:
		s.Queued++
	}
	s.Details = append(s.Details, d)
}

// Processed is the number of items that reached the store
func (s *Summary) Processed() int {
	return s.Inserted + s.Updated + s.Skipped
}

// WriteType tells the retry processor how to replay a QueuedWrite
type WriteType string

const (
	WriteQuestion WriteType = "question"
	WriteOption   WriteType = "option"
	// WriteMarket replays a whole question together with its options
	WriteMarket WriteType = "market"
)

// QueuedWrite is a deferred reconciliation job. RetryCount lives on the
// record so it survives process restarts.
type QueuedWrite struct {
	ID            uuid.UUID       `json:"id"`
	DataType      WriteType       `json:"data_type"`
	Target        string          `json:"target"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastRetryTime *time.Time      `json:"last_retry_time,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarketWrite is the payload of a WriteMarket job
type MarketWrite struct {
	Question *Question `json:"question"`
	Options  []*Option `json:"options"`
}

// OptionWrite is the payload of a WriteOption job. The question is resolved
// again on replay when QuestionID is zero.
type OptionWrite struct {
	Question *Question `json:"question,omitempty"`
	Option   *Option   `json:"option"`
}
