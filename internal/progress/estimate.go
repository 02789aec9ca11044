// Package progress estimates how many days an import still needs.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"import-status-tracker/internal/models"
)

type Kind int

const (
	// Unknown means there is not enough data, or the data made no sense.
	Unknown Kind = iota
	// NotYet means the job has run for less than a day.
	NotYet
	Known
)

const day = 24 * time.Hour

// Estimate is the number of days left, or why there is no number.
type Estimate struct {
	Kind Kind
	Days int
}

func Days(n int) Estimate { return Estimate{Kind: Known, Days: n} }

func (e Estimate) String() string {
	switch e.Kind {
	case Known:
		return fmt.Sprintf("%d", e.Days)
	case NotYet:
		return "not yet"
	}
	return "unknown"
}

// MarshalJSON renders a day count, null when there is no estimate yet, or "unknown".
func (e Estimate) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case Known:
		return json.Marshal(e.Days)
	case NotYet:
		return []byte("null"), nil
	}
	return json.Marshal("unknown")
}

// CreationDateFunc resolves the day a site was created. It is only consulted
// when the import has no explicit range start.
type CreationDateFunc func(siteID int64) (time.Time, error)

// EstimateDaysLeft extrapolates the import rate observed since the job
// started onto the days left in the requested range. It never fails: any
// problem yields Unknown.
func EstimateDaysLeft(st models.JobStatus, now time.Time, created CreationDateFunc) (est Estimate) {
	defer func() {
		if recover() != nil {
			est = Estimate{Kind: Unknown}
		}
	}()
	if st.LastDateImported.IsZero() || st.ImportRangeEnd.IsZero() {
		return Estimate{Kind: Unknown}
	}

	rangeStart := st.ImportRangeStart
	if rangeStart.IsZero() {
		if created == nil {
			return Estimate{Kind: Unknown}
		}
		t, err := created(st.SiteID)
		if err != nil || t.IsZero() {
			return Estimate{Kind: Unknown}
		}
		rangeStart = models.NewDate(t)
	}
	if st.ImportStartTime.IsZero() {
		return Estimate{Kind: Unknown}
	}

	daysRunning := floorDays(now.Sub(st.ImportStartTime))
	if daysRunning == 0 {
		return Estimate{Kind: NotYet}
	}
	daysLeft := floorDays(st.ImportRangeEnd.Time().Sub(st.LastDateImported.Time()))
	daysImported := floorDays(st.LastDateImported.Time().Sub(rangeStart.Time()))

	rate := daysImported / daysRunning
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return Estimate{Kind: Unknown}
	}
	left := math.Ceil(daysLeft / rate)
	if left < 0 {
		left = 0
	}
	if left > math.MaxInt32 {
		return Estimate{Kind: Unknown}
	}
	return Days(int(left))
}

func floorDays(d time.Duration) float64 {
	return math.Floor(float64(d) / float64(day))
}

// ErrNoCreationDate can be returned by a CreationDateFunc for unknown sites.
var ErrNoCreationDate = errors.New("site creation date unavailable")
