package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"oddsfeed/ingestion/internal/models"
)

// DecodeMarket parses the data field of a bookmaker-odds or event-odds response
func DecodeMarket(data []byte) (*models.MarketPayload, error) {
	var m models.MarketPayload
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode market payload: %w", err)
	}
	return &m, nil
}

// DecodeFancy parses the data field of a fancy-odds response. The vendor
// sends an array; a lone object is treated as a one-item array.
func DecodeFancy(data []byte) ([]models.FancyItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var item models.FancyItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("failed to decode fancy payload: %w", err)
		}
		return []models.FancyItem{item}, nil
	}

	var items []models.FancyItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode fancy payload: %w", err)
	}
	return items, nil
}
