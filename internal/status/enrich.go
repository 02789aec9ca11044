package status

import (
	"context"
	"time"

	"import-status-tracker/internal/models"
	"import-status-tracker/internal/progress"
)

// KilledAfter is how long a running import may go without a live worker
// before it is reported as killed.
const KilledAfter = 300 * time.Second

const datetimeLayout = "2006-01-02 15:04:05"

// SiteRef is the site summary attached to listings.
type SiteRef struct {
	ID   int64  `json:"idsite"`
	Name string `json:"name"`
}

// View is a status prepared for operators. Its State may be StateKilled,
// which is never written back.
type View struct {
	SiteID                     int64              `json:"idSite"`
	State                      models.State       `json:"status"`
	Site                       *SiteRef           `json:"site"`
	Source                     models.SourceInfo  `json:"ga"`
	SourcePretty               string             `json:"gaInfoPretty"`
	LastDateImported           models.Date        `json:"last_date_imported"`
	ImportStartTime            string             `json:"import_start_time"`
	ImportEndTime              string             `json:"import_end_time,omitempty"`
	LastJobStartTime           string             `json:"last_job_start_time"`
	LastDayArchived            models.Date        `json:"last_day_archived"`
	ImportRangeStart           models.Date        `json:"import_range_start"`
	ImportRangeEnd             models.Date        `json:"import_range_end"`
	EstimatedDaysLeftToFinish  *progress.Estimate `json:"estimated_days_left_to_finish,omitempty"`
	ExtraCustomDimensions      []models.Dimension `json:"extra_custom_dimensions"`
	DaysFinishedSinceRateLimit *int               `json:"days_finished_since_rate_limit,omitempty"`
	ReimportRanges             []models.DateRange `json:"reimport_ranges"`
	ErrorMessage               *string            `json:"error,omitempty"`
	IsVerboseLoggingEnabled    *bool              `json:"is_verbose_logging_enabled,omitempty"`
	CorruptRecord              string             `json:"corrupt_record,omitempty"`
}

// GetAllStatuses lists every import with site metadata, formatted times and
// an ETA. With checkLiveness, running imports whose worker has vanished are
// reported as killed.
func (m *Manager) GetAllStatuses(ctx context.Context, checkLiveness bool) ([]View, error) {
	recs, err := m.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(recs))
	for _, rec := range recs {
		if rec.Err != nil {
			out = append(out, View{
				SiteID:        rec.Status.SiteID,
				Site:          m.siteRef(ctx, rec.Status.SiteID),
				CorruptRecord: rec.Err.Error(),
			})
			continue
		}
		out = append(out, m.enrich(ctx, rec.Status, checkLiveness))
	}
	return out, nil
}

func (m *Manager) enrich(ctx context.Context, st models.JobStatus, checkLiveness bool) View {
	now := m.now()
	v := View{
		SiteID:                     st.SiteID,
		State:                      st.State,
		Site:                       m.siteRef(ctx, st.SiteID),
		Source:                     st.Source,
		SourcePretty:               st.Source.Pretty(),
		LastDateImported:           st.LastDateImported,
		ImportStartTime:            st.ImportStartTime.UTC().Format(datetimeLayout),
		LastJobStartTime:           st.LastJobStartTime.UTC().Format(datetimeLayout),
		LastDayArchived:            st.LastDayArchived,
		ImportRangeStart:           st.ImportRangeStart,
		ImportRangeEnd:             st.ImportRangeEnd,
		ExtraCustomDimensions:      st.ExtraCustomDimensions,
		DaysFinishedSinceRateLimit: st.DaysFinishedSinceRateLimit,
		ReimportRanges:             st.ReimportRanges,
		ErrorMessage:               st.ErrorMessage,
		IsVerboseLoggingEnabled:    st.IsVerboseLoggingEnabled,
	}
	if st.ImportEndTime != nil {
		v.ImportEndTime = st.ImportEndTime.UTC().Format(datetimeLayout)
	}
	if !st.ImportRangeEnd.IsZero() {
		est := progress.EstimateDaysLeft(st, now, m.creationDate(ctx))
		v.EstimatedDaysLeftToFinish = &est
	}
	if checkLiveness && m.isKilled(ctx, st, now) {
		v.State = models.StateKilled
	}
	return v
}

// isKilled checks the cheap conditions first so the lock is only probed for
// stale running imports. A failing probe never marks an import killed.
func (m *Manager) isKilled(ctx context.Context, st models.JobStatus, now time.Time) bool {
	if !st.State.Running() {
		return false
	}
	if !st.LastJobStartTime.IsZero() && !st.LastJobStartTime.Before(now.Add(-KilledAfter)) {
		return false
	}
	if m.probe == nil {
		return false
	}
	alive, err := m.probe.IsAlive(ctx, st.SiteID)
	if err != nil {
		return false
	}
	return !alive
}

func (m *Manager) siteRef(ctx context.Context, siteID int64) *SiteRef {
	if m.sites == nil {
		return nil
	}
	s, err := m.sites.GetSite(ctx, siteID)
	if err != nil {
		return nil
	}
	return &SiteRef{ID: s.ID, Name: s.Name}
}

func (m *Manager) creationDate(ctx context.Context) progress.CreationDateFunc {
	return func(siteID int64) (time.Time, error) {
		if m.sites == nil {
			return time.Time{}, progress.ErrNoCreationDate
		}
		s, err := m.sites.GetSite(ctx, siteID)
		if err != nil {
			return time.Time{}, err
		}
		return s.CreatedAt, nil
	}
}
