package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"import-status-tracker/internal/models"
)

// DryRunImporter walks the days without contacting any provider. It lets the
// worker, locks and status transitions be exercised end to end.
type DryRunImporter struct {
	Log   *logrus.Entry
	Delay time.Duration
}

func (d *DryRunImporter) ImportDay(ctx context.Context, st models.JobStatus, day models.Date) error {
	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Delay):
		}
	}
	if d.Log != nil {
		d.Log.WithFields(logrus.Fields{"site_id": st.SiteID, "day": day.String(), "property": st.Source.Property}).Debug("dry run import")
	}
	return nil
}
