package status

import (
	"fmt"
	"strings"
	"time"

	"import-status-tracker/internal/models"
)

// LimitEndDate caps an operator supplied end date. max is "today" (or
// "now"), "yesterday", a fixed date, or empty for no cap. An open end is
// replaced by the cap.
func LimitEndDate(end models.Date, max string, now time.Time) (models.Date, error) {
	limit, err := resolveMaxEndDate(max, now)
	if err != nil {
		return models.Date{}, err
	}
	if limit.IsZero() {
		return end, nil
	}
	if end.IsZero() || end.After(limit) {
		return limit, nil
	}
	return end, nil
}

func resolveMaxEndDate(max string, now time.Time) (models.Date, error) {
	today := models.NewDate(now.UTC())
	switch strings.ToLower(strings.TrimSpace(max)) {
	case "":
		return models.Date{}, nil
	case "today", "now":
		return today, nil
	case "yesterday", "yesterdaysametime":
		return today.AddDays(-1), nil
	}
	d, err := models.ParseDate(max)
	if err != nil {
		return models.Date{}, fmt.Errorf("invalid max end date %q: %w", max, err)
	}
	return d, nil
}
