package approvals

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"missioncontrol/internal/domain"
)

// SeedItem is one entry of the legacy approvals.json file.
type SeedItem struct {
	ID        string `json:"id"`
	Item      string `json:"item"`
	Reason    string `json:"reason"`
	Level     string `json:"level"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

func fallbackSeed(now time.Time) []SeedItem {
	ts := domain.FormatTime(now)
	return []SeedItem{
		{
			ID:        "appr-001",
			Item:      "Deploy production config change",
			Reason:    "Gateway-level behavior adjustment requested",
			Level:     domain.LevelHigh,
			Status:    domain.StatusPending,
			CreatedAt: ts,
		},
		{
			ID:        "appr-002",
			Item:      "Send outbound stakeholder update",
			Reason:    "Outbound messaging requires explicit approval",
			Level:     domain.LevelHigh,
			Status:    domain.StatusPending,
			CreatedAt: ts,
		},
	}
}

// LoadSeed reads path and returns the seed rows. A missing file yields the
// built-in seed with a nil error; an unreadable, malformed or empty file yields
// the built-in seed plus the reason it was rejected.
func LoadSeed(path string, now time.Time) ([]SeedItem, error) {
	if path == "" {
		return fallbackSeed(now), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallbackSeed(now), nil
		}
		return fallbackSeed(now), fmt.Errorf("read seed %s: %w", path, err)
	}
	var items []SeedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fallbackSeed(now), fmt.Errorf("parse seed %s: %w", path, err)
	}
	if len(items) == 0 {
		return fallbackSeed(now), fmt.Errorf("seed %s is empty", path)
	}
	for i := range items {
		if err := normalizeSeed(&items[i], now); err != nil {
			return fallbackSeed(now), fmt.Errorf("seed %s entry %d: %w", path, i, err)
		}
	}
	return items, nil
}

func normalizeSeed(s *SeedItem, now time.Time) error {
	if s.ID == "" || s.Item == "" {
		return fmt.Errorf("id and item are required")
	}
	if !slices.Contains([]string{domain.LevelHigh, domain.LevelMedium}, s.Level) {
		return fmt.Errorf("invalid level %q", s.Level)
	}
	if s.Status == "" {
		s.Status = domain.StatusPending
	}
	if !slices.Contains([]string{domain.StatusPending, domain.StatusApproved, domain.StatusRejected}, s.Status) {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.CreatedAt == "" {
		s.CreatedAt = domain.FormatTime(now)
		return nil
	}
	t, err := domain.ParseTime(s.CreatedAt)
	if err != nil {
		return fmt.Errorf("invalid createdAt %q", s.CreatedAt)
	}
	s.CreatedAt = domain.FormatTime(t)
	return nil
}
