package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Envelope is the outer shape of every odds API response
type Envelope struct {
	Data json.RawMessage `json:"data"`
}

// HasData reports whether the envelope carries a usable payload.
// Absent, null, empty object and empty array all count as empty.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	if len(d) == 0 {
		return false
	}
	switch string(d) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// MarketPayload is the runner-based market shape served by the
// bookmaker-odds and event-odds endpoints.
type MarketPayload struct {
	EventID  FlexString      `json:"evid"`
	MarketID FlexString      `json:"marketId"`
	Market   string          `json:"market"`
	MName    string          `json:"mname"`
	Status   string          `json:"status"`
	InPlay   FlexBool        `json:"inplay"`
	Min      FlexDecimal     `json:"min"`
	Max      FlexDecimal     `json:"max"`
	Runners  []RunnerPayload `json:"runners"`
}

// Title returns the market display text
func (m *MarketPayload) Title() string {
	if m.Market != "" {
		return m.Market
	}
	return m.MName
}

// RunnerPayload is one selection inside a runner-based market
type RunnerPayload struct {
	Runner          string      `json:"runner"`
	RunnerName      string      `json:"runnerName"`
	SelectionID     FlexString  `json:"selectionId"`
	Status          string      `json:"status"`
	LastPriceTraded FlexDecimal `json:"lastPriceTraded"`
	Size            FlexDecimal `json:"size"`
	Min             FlexDecimal `json:"min"`
	Max             FlexDecimal `json:"max"`
}

// Name returns the runner display name
func (r *RunnerPayload) Name() string {
	if r.Runner != "" {
		return r.Runner
	}
	return r.RunnerName
}

// FancyItem is one session-style proposition from the fancy-odds endpoint
type FancyItem struct {
	RunnerName  string      `json:"RunnerName"`
	SelectionID FlexString  `json:"SelectionId"`
	GType       string      `json:"gtype"`
	Min         FlexDecimal `json:"min"`
	Max         FlexDecimal `json:"max"`
	GameStatus  string      `json:"GameStatus"`
	BackPrice1  FlexDecimal `json:"BackPrice1"`
	BackPrice2  FlexDecimal `json:"BackPrice2"`
	BackPrice3  FlexDecimal `json:"BackPrice3"`
	LayPrice1   FlexDecimal `json:"LayPrice1"`
	LayPrice2   FlexDecimal `json:"LayPrice2"`
	LayPrice3   FlexDecimal `json:"LayPrice3"`
	BackSize1   FlexDecimal `json:"BackSize1"`
	BackSize2   FlexDecimal `json:"BackSize2"`
	BackSize3   FlexDecimal `json:"BackSize3"`
	LaySize1    FlexDecimal `json:"LaySize1"`
	LaySize2    FlexDecimal `json:"LaySize2"`
	LaySize3    FlexDecimal `json:"LaySize3"`
	SrNo        FlexString  `json:"sr_no"`
	BallSess    FlexString  `json:"ballsess"`
	Rem         string      `json:"rem"`
}

// FlexString accepts a JSON string or number. null decodes to "".
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(v))
		return nil
	}
	*s = FlexString(b)
	return nil
}

func (s FlexString) String() string {
	return string(s)
}

// FlexDecimal accepts a JSON number or numeric string. Anything else leaves
// Valid false so the mapper can apply its default.
type FlexDecimal struct {
	Value decimal.Decimal
	Valid bool
}

// NewFlexDecimal returns a valid FlexDecimal holding f
func NewFlexDecimal(f float64) FlexDecimal {
	return FlexDecimal{Value: decimal.NewFromFloat(f), Valid: true}
}

func (d *FlexDecimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*d = FlexDecimal{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return nil
		}
		raw = strings.TrimSpace(v)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	d.Value = v
	d.Valid = true
	return nil
}

func (d FlexDecimal) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return []byte(d.Value.String()), nil
}

// FlexBool accepts true/false, 1/0 and their string forms
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "y":
		*f = true
	case "", "null", "false", "0", "no", "n":
		*f = false
	default:
		n, err := strconv.ParseFloat(raw, 64)
		*f = FlexBool(err == nil && n != 0)
	}
	return nil
}
