package models

import (
	"regexp"
	"strings"
	"time"
)

// MatchStatus is the lifecycle state of a fixture
type MatchStatus string

const (
	MatchUpcoming  MatchStatus = "upcoming"
	MatchLive      MatchStatus = "live"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
	MatchPostponed MatchStatus = "postponed"
)

// MatchDuration is how long after kick-off a fixture is considered open
const MatchDuration = 7 * time.Hour

// FallbackMarketID is registered for events the vendor lists without markets
const FallbackMarketID = "fallback-market-id"

// Match represents one real-world fixture and one of its vendor markets
type Match struct {
	ID            int64       `db:"id" json:"id"`
	CompetitionID string      `db:"competition_id" json:"competition_id"`
	APIEventID    string      `db:"api_event_id" json:"api_event_id"`
	APIMarketID   string      `db:"api_market_id" json:"api_market_id"`
	APIEventName  string      `db:"api_event_name" json:"api_event_name"`
	MarketName    string      `db:"market_name" json:"market_name"`
	Team1         string      `db:"team_1" json:"team_1"`
	Team2         string      `db:"team_2" json:"team_2"`
	Team1Slug     string      `db:"team_1_slug" json:"team_1_slug"`
	Team2Slug     string      `db:"team_2_slug" json:"team_2_slug"`
	StartDate     time.Time   `db:"start_date" json:"start_date"`
	EndDate       time.Time   `db:"end_date" json:"end_date"`
	Status        MatchStatus `db:"status" json:"status"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// IsCompleted returns true once the fixture is over. Completed matches only
// accept status changes.
func (m *Match) IsCompleted() bool {
	return m.Status == MatchCompleted
}

// ParseMatchStatus maps vendor status strings onto MatchStatus.
// Unknown values are treated as upcoming.
func ParseMatchStatus(s string) MatchStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "in_progress", "inplay", "in-play":
		return MatchLive
	case "completed", "finished", "closed":
		return MatchCompleted
	case "cancelled", "canceled":
		return MatchCancelled
	case "postponed":
		return MatchPostponed
	default:
		return MatchUpcoming
	}
}

// CompetitionInput is one entry of the vendor competitions listing
type CompetitionInput struct {
	Competition struct {
		ID   FlexString `json:"id"`
		Name string     `json:"name"`
	} `json:"competition"`
	Region      string `json:"competitionRegion"`
	MarketCount int    `json:"marketCount"`
}

// EventInput is one fixture from the vendor events listing
type EventInput struct {
	Event struct {
		ID       FlexString `json:"id"`
		Name     string     `json:"name"`
		OpenDate string     `json:"openDate"`
		Status   string     `json:"status"`
	} `json:"event"`
	MarketIDs []struct {
		MarketID   FlexString `json:"marketId"`
		MarketName string     `json:"marketName"`
	} `json:"marketIds"`
}

// ToMatches expands an event into one Match per listed market. Events
// without markets get a single match on FallbackMarketID.
func (ei *EventInput) ToMatches(competitionID string) []*Match {
	team1, team2 := SplitTeams(ei.Event.Name)

	start, err := time.Parse(time.RFC3339, ei.Event.OpenDate)
	if err != nil {
		start = time.Time{}
	}
	var end time.Time
	if !start.IsZero() {
		end = start.Add(MatchDuration)
	}

	base := Match{
		CompetitionID: competitionID,
		APIEventID:    ei.Event.ID.String(),
		APIEventName:  ei.Event.Name,
		Team1:         team1,
		Team2:         team2,
		Team1Slug:     Slugify(team1),
		Team2Slug:     Slugify(team2),
		StartDate:     start,
		EndDate:       end,
		Status:        ParseMatchStatus(ei.Event.Status),
	}

	if len(ei.MarketIDs) == 0 {
		m := base
		m.APIMarketID = FallbackMarketID
		return []*Match{&m}
	}

	matches := make([]*Match, 0, len(ei.MarketIDs))
	for _, mk := range ei.MarketIDs {
		m := base
		m.APIMarketID = mk.MarketID.String()
		m.MarketName = mk.MarketName
		matches = append(matches, &m)
	}
	return matches
}

// SplitTeams splits "Team A v Team B" into its two sides
func SplitTeams(eventName string) (string, string) {
	parts := strings.SplitN(eventName, " v ", 2)
	team1 := strings.TrimSpace(parts[0])
	if len(parts) < 2 {
		return team1, ""
	}
	return team1, strings.TrimSpace(parts[1])
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of non-alphanumerics into "-"
func Slugify(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(slug, "-")
}
