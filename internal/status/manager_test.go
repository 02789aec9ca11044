package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/lock"
	"import-status-tracker/internal/models"
	"import-status-tracker/internal/progress"
	"import-status-tracker/internal/store"
)

type fakeSites map[int64]models.Site

func (f fakeSites) GetSite(_ context.Context, id int64) (models.Site, error) {
	s, ok := f[id]
	if !ok {
		return models.Site{}, errors.New("no such site")
	}
	return s, nil
}

type fakeLogs struct {
	mu      sync.Mutex
	removed []int64
	host    string
	err     error
}

func (f *fakeLogs) Remove(_ context.Context, siteID int64, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, siteID)
	f.host = hostname
	return f.err
}

type fixture struct {
	mgr    *Manager
	mr     *miniredis.Miniredis
	locker *lock.RedisLocker
	logs   *fakeLogs
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:     mr,
		locker: lock.NewRedisLocker(client, "importlock:"),
		logs:   &fakeLogs{},
		now:    time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC),
	}
	sites := fakeSites{
		1: {ID: 1, Name: "Shop", CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		2: {ID: 2, Name: "Blog", CreatedAt: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.mgr = NewManager(
		store.NewRedisRepository(client, "", ""),
		liveness.NewLockProbe(f.locker),
		sites,
		WithClock(f.clock),
		WithHostname("worker-a"),
		WithLogRemover(f.logs),
	)
	return f
}

var source = models.SourceInfo{Property: "UA-123-1", Account: "123", View: "999"}

func d(s string) models.Date { return models.MustParseDate(s) }

func TestStartingImport_FreshRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.StartingImport(ctx, source, 1, []models.Dimension{{Dimension: "ga:dimension3", Scope: "action"}})
	require.NoError(t, err)

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, st.State)
	assert.True(t, st.LastDateImported.IsZero())
	require.NotNil(t, st.DaysFinishedSinceRateLimit)
	assert.Equal(t, 0, *st.DaysFinishedSinceRateLimit)
	assert.Equal(t, f.now, st.ImportStartTime)
	assert.Equal(t, f.now, st.LastJobStartTime)
	assert.Nil(t, st.ImportEndTime)
	assert.Equal(t, source, st.Source)
	assert.Len(t, st.ExtraCustomDimensions, 1)
	assert.Empty(t, st.ReimportRanges)
}

func TestStartingImport_Conflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.ErroredImport(ctx, 1, "quota exceeded"))

	_, err = f.mgr.StartingImport(ctx, source, 1, nil)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.mgr.FinishedImport(ctx, 1))
	_, err = f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, st.State)
	assert.Nil(t, st.ErrorMessage)
	assert.Nil(t, st.ImportEndTime)
}

func TestGetImportStatus_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.mgr.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = f.mgr.GetImportStatus(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	for name, op := range map[string]func() error{
		"day":      func() error { return f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")) },
		"finish":   func() error { return f.mgr.FinishedImport(ctx, 1) },
		"error":    func() error { return f.mgr.ErroredImport(ctx, 1, "x") },
		"rate":     func() error { return f.mgr.RateLimitReached(ctx, 1) },
		"resume":   func() error { return f.mgr.ResumeImport(ctx, 1) },
		"range":    func() error { return f.mgr.SetImportDateRange(ctx, 1, d("2024-01-01"), d("2024-02-01")) },
		"reimport": func() error { return f.mgr.ReImportDateRange(ctx, 1, d("2024-01-01"), d("2024-02-01")) },
		"remove":   func() error { return f.mgr.RemoveReImportEntry(ctx, 1, models.DateRange{}) },
	} {
		assert.ErrorIs(t, op(), ErrNotFound, name)
	}
}

func TestDayImportFinished_Monotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-10")))
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-05")))

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, st.State)
	assert.Equal(t, "2024-01-10", st.LastDateImported.String())
	assert.Equal(t, 2, *st.DaysFinishedSinceRateLimit)

	_, end, err := f.mgr.ImportedDateRange(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", end.String())

	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-10")))
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-11")))
	st, err = f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-11", st.LastDateImported.String())
}

func TestDayImportFinished_LeavesMalformedCounterAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.mr.Set("importstatus:1",
		`{"idSite":1,"status":"started","import_start_time":1718884800,"last_job_start_time":1718884800}`))

	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st.DaysFinishedSinceRateLimit)
	assert.Equal(t, models.StateOngoing, st.State)
}

func TestDayImportFinished_KeepsNonIntegerCounter(t *testing.T) {
	for name, counter := range map[string]string{
		"string":     `"3"`,
		"fractional": `2.5`,
		"bool":       `true`,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			require.NoError(t, f.mr.Set("importstatus:1",
				`{"idSite":1,"status":"started","import_start_time":1718884800,"last_job_start_time":1718884800,"days_finished_since_rate_limit":`+counter+`}`))

			require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")))
			st, err := f.mgr.GetImportStatus(ctx, 1)
			require.NoError(t, err)
			assert.Nil(t, st.DaysFinishedSinceRateLimit)
			assert.Equal(t, models.StateOngoing, st.State)
			assert.Equal(t, "2024-01-01", st.LastDateImported.String())

			raw, err := f.mr.Get("importstatus:1")
			require.NoError(t, err)
			assert.Contains(t, raw, `"days_finished_since_rate_limit":`+counter)

			// resuming replaces it with a fresh counter
			require.NoError(t, f.mgr.ResumeImport(ctx, 1))
			st, err = f.mgr.GetImportStatus(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, st.DaysFinishedSinceRateLimit)
			assert.Equal(t, 0, *st.DaysFinishedSinceRateLimit)
		})
	}
}

func TestSetImportDateRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	err = f.mgr.SetImportDateRange(ctx, 1, d("2024-02-01"), d("2024-01-01"))
	assert.ErrorIs(t, err, ErrInvalidRange)

	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-20")))
	require.NoError(t, f.mgr.FinishedImport(ctx, 1))
	require.NoError(t, f.mgr.SetImportDateRange(ctx, 1, d("2024-01-01"), d("2024-03-01")))

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, st.State, "a new range reopens a finished import")
	assert.Equal(t, "2024-01-01", st.ImportRangeStart.String())
	assert.Equal(t, "2024-03-01", st.ImportRangeEnd.String())

	start, end, err := f.mgr.ImportedDateRange(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", start.String())
	assert.Equal(t, "2024-01-20", end.String(), "range changes never touch the observed upper bound")

	// only an end date: start is cleared, marker start kept
	require.NoError(t, f.mgr.SetImportDateRange(ctx, 1, models.Date{}, d("2024-04-01")))
	st, err = f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, st.ImportRangeStart.IsZero())
	start, _, err = f.mgr.ImportedDateRange(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", start.String())
}

func TestChangeImportEndDate_KeepsStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.SetImportDateRange(ctx, 1, d("2024-01-01"), d("2024-02-01")))

	require.NoError(t, f.mgr.ChangeImportEndDate(ctx, 1, d("2024-05-01")))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", st.ImportRangeStart.String())
	assert.Equal(t, "2024-05-01", st.ImportRangeEnd.String())

	assert.ErrorIs(t, f.mgr.ChangeImportEndDate(ctx, 1, d("2023-12-01")), ErrInvalidRange)
}

func TestResumeImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")))
	require.NoError(t, f.mgr.RateLimitReached(ctx, 1))

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateRateLimited, st.State)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.mgr.ResumeImport(ctx, 1))
	st, err = f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, st.State)
	assert.Equal(t, f.now, st.LastJobStartTime)
	assert.Equal(t, 0, *st.DaysFinishedSinceRateLimit)

	require.NoError(t, f.mgr.FinishedImport(ctx, 1))
	assert.ErrorIs(t, f.mgr.ResumeImport(ctx, 1), ErrAlreadyFinished)
}

func TestFinishedAndErrored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.ErroredImport(ctx, 1, "provider returned 500"))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateErrored, st.State)
	require.NotNil(t, st.ErrorMessage)
	assert.Equal(t, "provider returned 500", *st.ErrorMessage)

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.mgr.FinishedImport(ctx, 1))
	st, err = f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, st.State)
	require.NotNil(t, st.ImportEndTime)
	assert.Equal(t, f.now, *st.ImportEndTime)
}

func TestReImportQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.mgr.ReImportDateRange(ctx, 1, d("2024-01-10"), d("2024-01-01")), ErrInvalidRange)
	require.NoError(t, f.mgr.ReImportDateRange(ctx, 1, d("2024-01-01"), d("2024-01-10")))

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.DateRange{{Start: "2024-01-01", End: "2024-01-10"}}, st.ReimportRanges)

	require.NoError(t, f.mgr.RemoveReImportEntry(ctx, 1, models.DateRange{Start: "2024-01-01", End: "2024-01-10"}))
	st, err = f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, st.ReimportRanges)
}

// Only exact matches are removed. Entries sharing a single date with the
// removed range stay queued.
func TestRemoveReImportEntry_ExactMatchOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	for _, r := range [][2]string{
		{"2024-01-01", "2024-01-10"},
		{"2024-01-01", "2024-01-31"},
		{"2024-02-01", "2024-02-10"},
		{"2024-01-01", "2024-01-10"},
	} {
		require.NoError(t, f.mgr.ReImportDateRange(ctx, 1, d(r[0]), d(r[1])))
	}

	require.NoError(t, f.mgr.RemoveReImportEntry(ctx, 1, models.DateRange{Start: "2024-01-01", End: "2024-01-10"}))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.DateRange{
		{Start: "2024-01-01", End: "2024-01-31"},
		{Start: "2024-02-01", End: "2024-02-10"},
	}, st.ReimportRanges)
}

func TestRemoveReImportEntry_InitializesMissingQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.mr.Set("importstatus:1",
		`{"idSite":1,"status":"ongoing","import_start_time":1718884800,"last_job_start_time":1718884800}`))

	require.NoError(t, f.mgr.RemoveReImportEntry(ctx, 1, models.DateRange{Start: "2024-01-01", End: "2024-01-02"}))
	raw, err := f.mr.Get("importstatus:1")
	require.NoError(t, err)
	assert.Contains(t, raw, `"reimport_ranges":[]`)
}

func TestScheduleReImport_ReopensFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.FinishedImport(ctx, 1))

	require.NoError(t, f.mgr.ScheduleReImport(ctx, 1, d("2023-05-01"), d("2023-05-03")))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, st.State)
	assert.Len(t, st.ReimportRanges, 1)
}

func TestSupplementalFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.SetVerboseLogging(ctx, 1, true))
	require.NoError(t, f.mgr.ImportArchiveFinished(ctx, 1, d("2024-01-03")))
	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, st.IsVerboseLoggingEnabled)
	assert.True(t, *st.IsVerboseLoggingEnabled)
	assert.Equal(t, "2024-01-03", st.LastDayArchived.String())
}

func TestDeleteStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")))
	f.logs.err = errors.New("permission denied")

	require.NoError(t, f.mgr.DeleteStatus(ctx, 1), "log cleanup failures are ignored")
	_, err = f.mgr.GetImportStatus(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists("importedrange:1"))
	assert.Equal(t, []int64{1}, f.logs.removed)
	assert.Equal(t, "worker-a", f.logs.host)
}

func TestGetAllStatuses_Killed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, d("2024-01-01")))

	f.now = f.now.Add(301 * time.Second)

	views, err := f.mgr.GetAllStatuses(ctx, true)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.StateKilled, views[0].State)

	st, err := f.mgr.GetImportStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, st.State, "killed is never persisted")

	lease, ok, err := f.locker.TryAcquire(ctx, liveness.LockName(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release(ctx)

	views, err = f.mgr.GetAllStatuses(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateOngoing, views[0].State)
}

func TestGetAllStatuses_NotKilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	_, err = f.mgr.StartingImport(ctx, source, 2, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.RateLimitReached(ctx, 2))

	// recent job start: not killed even though no worker holds the lock
	f.now = f.now.Add(299 * time.Second)
	views, err := f.mgr.GetAllStatuses(ctx, true)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, models.StateStarted, views[0].State)

	// stale, but liveness was not requested
	f.now = f.now.Add(time.Hour)
	views, err = f.mgr.GetAllStatuses(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, views[0].State)

	// rate limited imports are never reported killed
	views, err = f.mgr.GetAllStatuses(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateKilled, views[0].State)
	assert.Equal(t, models.StateRateLimited, views[1].State)
}

func TestGetAllStatuses_Enrichment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mgr.StartingImport(ctx, source, 1, nil)
	require.NoError(t, err)
	_, err = f.mgr.StartingImport(ctx, source, 5, nil)
	require.NoError(t, err)
	require.NoError(t, f.mr.Set("importstatus:8", `{"idSite":8}`))

	start := models.NewDate(f.now.AddDate(0, 0, -10))
	end := models.NewDate(f.now)
	require.NoError(t, f.mgr.SetImportDateRange(ctx, 1, start, end))
	require.NoError(t, f.mgr.DayImportFinished(ctx, 1, models.NewDate(f.now.AddDate(0, 0, -5))))
	f.now = f.now.AddDate(0, 0, 10)

	views, err := f.mgr.GetAllStatuses(ctx, false)
	require.NoError(t, err)
	require.Len(t, views, 3)

	v := views[0]
	require.NotNil(t, v.Site)
	assert.Equal(t, "Shop", v.Site.Name)
	assert.Equal(t, "2024-06-20 12:00:00", v.ImportStartTime)
	assert.Equal(t, "Property: UA-123-1\nAccount: 123\nView: 999", v.SourcePretty)
	require.NotNil(t, v.EstimatedDaysLeftToFinish)
	assert.Equal(t, progress.Days(10), *v.EstimatedDaysLeftToFinish)

	assert.Nil(t, views[1].Site, "site 5 no longer exists")
	assert.Nil(t, views[1].EstimatedDaysLeftToFinish)

	assert.Equal(t, int64(8), views[2].SiteID)
	assert.NotEmpty(t, views[2].CorruptRecord)
}
