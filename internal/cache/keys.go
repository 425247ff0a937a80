package cache

import (
	"fmt"
	"strings"
	"time"

	"oddsfeed/ingestion/internal/models"
)

// TTL defaults
const (
	RawOddsTTL     = time.Hour
	ReconciledTTL  = 24 * time.Hour
	RouteTTL       = 10 * time.Minute
	InPlayFancyTTL = 5 * time.Second
)

// Key data types
const (
	TypeQuestion = "question"
	TypeOption   = "option"
	TypeFetched  = "fetched"
)

// Key builds "{dataType}:{event_id}:{market_id}[:{suffix}]"
func Key(dataType, eventID, marketID string, suffix ...string) string {
	key := fmt.Sprintf("%s:%s:%s", dataType, eventID, marketID)
	for _, s := range suffix {
		key += ":" + s
	}
	return key
}

// RawOddsKey is where the last source payload for a feed is kept
func RawOddsKey(kind models.Kind, eventID, marketID string) string {
	return Key(RawType(kind), eventID, marketID)
}

// RawType is the data type prefix for a feed's raw payload ("bookmakerOdds")
func RawType(kind models.Kind) string {
	return string(kind) + "Odds"
}

// RawPattern matches every raw payload key of a feed
func RawPattern(kind models.Kind) string {
	return RawType(kind) + ":*"
}

// FetchedAtKey holds the time the raw payload for a key was fetched:
// "fetched:{event_id}:{market_id}:{kind}"
func FetchedAtKey(kind models.Kind, eventID, marketID string) string {
	return Key(TypeFetched, eventID, marketID, string(kind))
}

// QuestionKey is where a reconciled question is cached
func QuestionKey(eventID, marketID string, questionID int64) string {
	return Key(TypeQuestion, eventID, marketID, fmt.Sprint(questionID))
}

// OptionKey is where a reconciled option is cached
func OptionKey(eventID, marketID, selectionID, optionName string) string {
	return Key(TypeOption, eventID, marketID, selectionID, optionName)
}

// UpdateChannel is the pub/sub channel announcing fresh data for a feed
func UpdateChannel(kind models.Kind) string {
	return string(kind) + ":update"
}

// ParsedKey is a decoded cache key
type ParsedKey struct {
	DataType string
	EventID  string
	MarketID string
	Suffix   []string
}

// ParseKey splits a key built by Key
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ParsedKey{}, fmt.Errorf("malformed cache key %q", key)
	}
	return ParsedKey{
		DataType: parts[0],
		EventID:  parts[1],
		MarketID: parts[2],
		Suffix:   parts[3:],
	}, nil
}

// KindOf returns the feed a raw payload key belongs to
func (p ParsedKey) KindOf() (models.Kind, bool) {
	for _, k := range models.Kinds {
		if p.DataType == RawType(k) {
			return k, true
		}
	}
	return "", false
}
