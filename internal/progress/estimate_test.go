package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-status-tracker/internal/models"
)

var now = time.Date(2024, 6, 20, 13, 30, 0, 0, time.UTC)

func daysAgo(n int) models.Date {
	return models.NewDate(now.AddDate(0, 0, -n))
}

func TestEstimateDaysLeft(t *testing.T) {
	noCreation := func(int64) (time.Time, error) { return time.Time{}, ErrNoCreationDate }

	cases := []struct {
		name    string
		status  models.JobStatus
		created CreationDateFunc
		want    Estimate
	}{
		{
			name: "half speed",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -10),
				ImportRangeStart: daysAgo(10),
				LastDateImported: daysAgo(5),
				ImportRangeEnd:   daysAgo(0),
			},
			want: Days(10),
		},
		{
			name: "range start falls back to site creation",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -4),
				LastDateImported: daysAgo(10),
				ImportRangeEnd:   daysAgo(0),
			},
			created: func(int64) (time.Time, error) { return now.AddDate(0, 0, -30), nil },
			// 20 days imported in 4 days => 5/day, 10 left => 2
			want: Days(2),
		},
		{
			name: "creation lookup fails",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -4),
				LastDateImported: daysAgo(10),
				ImportRangeEnd:   daysAgo(0),
			},
			created: noCreation,
			want:    Estimate{Kind: Unknown},
		},
		{
			name: "started less than a day ago",
			status: models.JobStatus{
				ImportStartTime:  now.Add(-5 * time.Hour),
				ImportRangeStart: daysAgo(10),
				LastDateImported: daysAgo(9),
				ImportRangeEnd:   daysAgo(0),
			},
			want: Estimate{Kind: NotYet},
		},
		{
			name: "nothing imported",
			status: models.JobStatus{
				ImportStartTime: now.AddDate(0, 0, -3),
				ImportRangeEnd:  daysAgo(0),
			},
			want: Estimate{Kind: Unknown},
		},
		{
			name: "no range end",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -3),
				LastDateImported: daysAgo(1),
			},
			want: Estimate{Kind: Unknown},
		},
		{
			name: "no progress past range start",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -3),
				ImportRangeStart: daysAgo(5),
				LastDateImported: daysAgo(5),
				ImportRangeEnd:   daysAgo(0),
			},
			want: Estimate{Kind: Unknown},
		},
		{
			name: "already past range end",
			status: models.JobStatus{
				ImportStartTime:  now.AddDate(0, 0, -2),
				ImportRangeStart: daysAgo(10),
				LastDateImported: daysAgo(1),
				ImportRangeEnd:   daysAgo(3),
			},
			want: Days(0),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EstimateDaysLeft(tc.status, now, tc.created))
		})
	}
}

func TestEstimateDaysLeft_PanickingLookup(t *testing.T) {
	st := models.JobStatus{
		ImportStartTime:  now.AddDate(0, 0, -4),
		LastDateImported: daysAgo(10),
		ImportRangeEnd:   daysAgo(0),
	}
	got := EstimateDaysLeft(st, now, func(int64) (time.Time, error) { panic("registry exploded") })
	assert.Equal(t, Estimate{Kind: Unknown}, got)
}

func TestEstimateJSON(t *testing.T) {
	b, err := json.Marshal([]Estimate{Days(3), {Kind: NotYet}, {Kind: Unknown}})
	require.NoError(t, err)
	assert.JSONEq(t, `[3, null, "unknown"]`, string(b))
}
