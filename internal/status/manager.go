// Package status owns the import status state machine. It is the only
// writer of status records: workers and operators go through Manager.
package status

import (
	"context"
	"fmt"
	"time"

	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/models"
	"import-status-tracker/internal/store"
)

// Repository persists status records and imported range markers.
type Repository interface {
	Get(ctx context.Context, siteID int64) (models.JobStatus, bool, error)
	Save(ctx context.Context, st models.JobStatus) error
	Delete(ctx context.Context, siteID int64) error
	ListAll(ctx context.Context) ([]store.Record, error)
	GetDateRange(ctx context.Context, siteID int64) (models.Date, models.Date, error)
	SetDateRange(ctx context.Context, siteID int64, start, end *models.Date) error
}

// SiteRegistry resolves site metadata. Lookups for deleted sites return an error.
type SiteRegistry interface {
	GetSite(ctx context.Context, siteID int64) (models.Site, error)
}

// LogRemover deletes job log artifacts a worker on hostname left behind.
type LogRemover interface {
	Remove(ctx context.Context, siteID int64, hostname string) error
}

// Manager applies status transitions. It performs no locking: concurrent
// writers for one site race and the last write wins, so only the worker
// holding the site lock should report progress.
type Manager struct {
	repo     Repository
	probe    liveness.Probe
	sites    SiteRegistry
	logs     LogRemover
	hostname string
	now      func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHostname sets the host whose job logs DeleteStatus removes.
func WithHostname(h string) Option {
	return func(m *Manager) { m.hostname = h }
}

// WithLogRemover enables log cleanup on DeleteStatus.
func WithLogRemover(r LogRemover) Option {
	return func(m *Manager) { m.logs = r }
}

func NewManager(repo Repository, probe liveness.Probe, sites SiteRegistry, opts ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		probe: probe,
		sites: sites,
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Lookup is the result of reading a site's status without treating a
// missing record as an error.
type Lookup struct {
	Status models.JobStatus
	Found  bool
}

// Lookup reads the current record straight from storage.
func (m *Manager) Lookup(ctx context.Context, siteID int64) (Lookup, error) {
	st, found, err := m.repo.Get(ctx, siteID)
	if err != nil {
		return Lookup{}, err
	}
	return Lookup{Status: st, Found: found}, nil
}

// GetImportStatus returns the record or ErrNotFound.
func (m *Manager) GetImportStatus(ctx context.Context, siteID int64) (models.JobStatus, error) {
	res, err := m.Lookup(ctx, siteID)
	if err != nil {
		return models.JobStatus{}, err
	}
	if !res.Found {
		return models.JobStatus{}, fmt.Errorf("site %d: %w", siteID, ErrNotFound)
	}
	return res.Status, nil
}

// update is the read-modify-write every mutation goes through.
func (m *Manager) update(ctx context.Context, siteID int64, fn func(st *models.JobStatus) error) (models.JobStatus, error) {
	st, err := m.GetImportStatus(ctx, siteID)
	if err != nil {
		return models.JobStatus{}, err
	}
	if err := fn(&st); err != nil {
		return models.JobStatus{}, err
	}
	if err := m.repo.Save(ctx, st); err != nil {
		return models.JobStatus{}, err
	}
	return st, nil
}

// StartingImport creates a fresh record in the started state. An existing
// record must be finished, otherwise ErrConflict is returned.
func (m *Manager) StartingImport(ctx context.Context, source models.SourceInfo, siteID int64, dims []models.Dimension) (models.JobStatus, error) {
	existing, err := m.Lookup(ctx, siteID)
	if err != nil {
		return models.JobStatus{}, err
	}
	if existing.Found && existing.Status.State != models.StateFinished {
		return models.JobStatus{}, fmt.Errorf("site %d is %s: %w", siteID, existing.Status.State, ErrConflict)
	}

	now := m.now().UTC().Truncate(time.Second)
	zero := 0
	if dims == nil {
		dims = []models.Dimension{}
	}
	st := models.JobStatus{
		SiteID:                     siteID,
		State:                      models.StateStarted,
		Source:                     source,
		ImportStartTime:            now,
		LastJobStartTime:           now,
		ExtraCustomDimensions:      dims,
		DaysFinishedSinceRateLimit: &zero,
		ReimportRanges:             []models.DateRange{},
	}
	if err := m.repo.Save(ctx, st); err != nil {
		return models.JobStatus{}, err
	}
	return st, nil
}

// DayImportFinished records that one day was imported. lastDateImported
// never moves backwards, so late out-of-order completions are harmless.
func (m *Manager) DayImportFinished(ctx context.Context, siteID int64, date models.Date) error {
	advanced := false
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.State = models.StateOngoing
		if st.LastDateImported.IsZero() || !st.LastDateImported.After(date) {
			st.LastDateImported = date
			advanced = true
		}
		if st.DaysFinishedSinceRateLimit != nil {
			*st.DaysFinishedSinceRateLimit++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if advanced {
		return m.repo.SetDateRange(ctx, siteID, nil, &date)
	}
	return nil
}

// SetImportDateRange replaces the requested range; a zero date clears that
// side. A finished import is reopened since the new range may add work.
func (m *Manager) SetImportDateRange(ctx context.Context, siteID int64, start, end models.Date) error {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return fmt.Errorf("%s > %s: %w", start, end, ErrInvalidRange)
	}
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.ImportRangeStart = start
		st.ImportRangeEnd = end
		if st.State == models.StateFinished {
			st.State = models.StateOngoing
		}
		return nil
	})
	if err != nil {
		return err
	}
	if start.IsZero() {
		return nil
	}
	return m.repo.SetDateRange(ctx, siteID, &start, nil)
}

// ChangeImportEndDate keeps the requested start and replaces the end.
func (m *Manager) ChangeImportEndDate(ctx context.Context, siteID int64, end models.Date) error {
	st, err := m.GetImportStatus(ctx, siteID)
	if err != nil {
		return err
	}
	return m.SetImportDateRange(ctx, siteID, st.ImportRangeStart, end)
}

// SetVerboseLogging toggles verbose worker logging for the import.
func (m *Manager) SetVerboseLogging(ctx context.Context, siteID int64, enabled bool) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.IsVerboseLoggingEnabled = &enabled
		return nil
	})
	return err
}

// ResumeImport puts a stopped import back to ongoing. Finished imports
// cannot be resumed.
func (m *Manager) ResumeImport(ctx context.Context, siteID int64) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		if st.State == models.StateFinished {
			return fmt.Errorf("site %d: %w", siteID, ErrAlreadyFinished)
		}
		m.resume(st)
		return nil
	})
	return err
}

func (m *Manager) resume(st *models.JobStatus) {
	zero := 0
	st.State = models.StateOngoing
	st.LastJobStartTime = m.now().UTC().Truncate(time.Second)
	st.DaysFinishedSinceRateLimit = &zero
}

// ImportArchiveFinished records the last day the archiver processed.
func (m *Manager) ImportArchiveFinished(ctx context.Context, siteID int64, date models.Date) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.LastDayArchived = date
		return nil
	})
	return err
}

func (m *Manager) FinishedImport(ctx context.Context, siteID int64) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.State = models.StateFinished
		end := m.now().UTC().Truncate(time.Second)
		st.ImportEndTime = &end
		return nil
	})
	return err
}

func (m *Manager) ErroredImport(ctx context.Context, siteID int64, message string) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.State = models.StateErrored
		st.ErrorMessage = &message
		return nil
	})
	return err
}

func (m *Manager) RateLimitReached(ctx context.Context, siteID int64) error {
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.State = models.StateRateLimited
		return nil
	})
	return err
}

// ReImportDateRange queues a supplemental range. Duplicates are kept.
func (m *Manager) ReImportDateRange(ctx context.Context, siteID int64, start, end models.Date) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("reimport needs both dates: %w", ErrInvalidRange)
	}
	if end.Before(start) {
		return fmt.Errorf("%s > %s: %w", start, end, ErrInvalidRange)
	}
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		st.ReimportRanges = append(st.ReimportRanges, models.DateRange{Start: start.String(), End: end.String()})
		return nil
	})
	return err
}

// ScheduleReImport queues a range and resumes the import so a worker picks
// it up. Unlike ResumeImport this also reopens finished imports.
func (m *Manager) ScheduleReImport(ctx context.Context, siteID int64, start, end models.Date) error {
	if err := m.ReImportDateRange(ctx, siteID, start, end); err != nil {
		return err
	}
	_, err := m.update(ctx, siteID, func(st *models.JobStatus) error {
		m.resume(st)
		return nil
	})
	return err
}

// RemoveReImportEntry drops queued ranges equal to r. A record without a
// queue gets an empty one.
func (m *Manager) RemoveReImportEntry(ctx context.Context, siteID int64, r models.DateRange) error {
	st, err := m.GetImportStatus(ctx, siteID)
	if err != nil {
		return err
	}
	if st.ReimportRanges == nil {
		st.ReimportRanges = []models.DateRange{}
		return m.repo.Save(ctx, st)
	}
	if len(st.ReimportRanges) == 0 {
		return nil
	}
	kept := make([]models.DateRange, 0, len(st.ReimportRanges))
	for _, q := range st.ReimportRanges {
		if q == r {
			continue
		}
		kept = append(kept, q)
	}
	st.ReimportRanges = kept
	return m.repo.Save(ctx, st)
}

// DeleteStatus removes the record and marker, then makes a best-effort
// attempt to remove the job logs.
func (m *Manager) DeleteStatus(ctx context.Context, siteID int64) error {
	if err := m.repo.Delete(ctx, siteID); err != nil {
		return err
	}
	if m.logs != nil {
		_ = m.logs.Remove(ctx, siteID, m.hostname)
	}
	return nil
}

// ImportedDateRange returns the observed imported span for a site.
func (m *Manager) ImportedDateRange(ctx context.Context, siteID int64) (models.Date, models.Date, error) {
	return m.repo.GetDateRange(ctx, siteID)
}
