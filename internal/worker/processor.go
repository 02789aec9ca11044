package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"import-status-tracker/internal/config"
	"import-status-tracker/internal/joblogs"
	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/lock"
	"import-status-tracker/internal/models"
	"import-status-tracker/internal/status"
	"import-status-tracker/internal/telemetry"
)

// ErrRateLimited is returned by importers when the provider refuses more requests.
var ErrRateLimited = errors.New("provider rate limit reached")

// ErrSiteLocked is returned by RunSite when another holder has the site lock.
var ErrSiteLocked = errors.New("site lock held elsewhere")

// DayImporter pulls one day of data for a site from the analytics provider.
type DayImporter interface {
	ImportDay(ctx context.Context, st models.JobStatus, day models.Date) error
}

// Queue is the run queue the processor consumes.
type Queue interface {
	Enqueue(ctx context.Context, siteID int64) (bool, error)
	DequeueWithLease(ctx context.Context) (int64, bool, error)
	ExtendLease(ctx context.Context, siteID int64, extension time.Duration) error
	Ack(ctx context.Context, siteID int64) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Locker hands out the per-site run lock.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, bool, error)
}

// Quota throttles provider requests per site.
type Quota interface {
	Take(ctx context.Context, siteID int64) (bool, float64, error)
}

// LogArchiver keeps a copy of a finished run's import log.
type LogArchiver interface {
	Upload(ctx context.Context, siteID int64, hostname, path string) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	mgr      *status.Manager
	locker   Locker
	quota    Quota
	sites    status.SiteRegistry
	importer DayImporter
	log      *logrus.Entry
	workerID string
	archiver LogArchiver
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogArchiver uploads each run's import log once the run ends.
func WithLogArchiver(a LogArchiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
// quota may be nil to disable throttling.
func NewProcessorWithID(cfg config.Config, q Queue, mgr *status.Manager, locker Locker, quota Quota, sites status.SiteRegistry, importer DayImporter, log *logrus.Entry, workerID string, opts ...Option) *Processor {
	if cfg.WorkerLockTTL <= 0 {
		cfg.WorkerLockTTL = 30 * time.Second
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		mgr:      mgr,
		locker:   locker,
		quota:    quota,
		sites:    sites,
		importer: importer,
		log:      log.WithField("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, p.now(), 100); err != nil {
			p.log.WithError(err).Warn("requeue expired runs")
		} else if len(reclaimed) > 0 {
			p.log.WithField("sites", reclaimed).Info("requeued runs from lost workers")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		siteID, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil || !ok {
			if err != nil {
				p.log.WithError(err).Warn("dequeue")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		err = p.RunSite(ctx, siteID)
		telemetry.InFlightGauge.Dec()
		busy := errors.Is(err, ErrSiteLocked)
		switch {
		case busy:
			// queue it again before the ack so the run is never lost
			if _, qerr := p.queue.Enqueue(ctx, siteID); qerr != nil {
				p.log.WithError(qerr).WithField("site_id", siteID).Error("requeue locked site")
			} else {
				p.log.WithField("site_id", siteID).Info("site locked elsewhere, requeued")
			}
		case err != nil:
			p.log.WithError(err).WithField("site_id", siteID).Error("import run failed")
		}
		if err := p.queue.Ack(ctx, siteID); err != nil {
			p.log.WithError(err).WithField("site_id", siteID).Warn("ack run")
		}
		if busy {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// RunSite imports everything outstanding for one site while holding its
// lock, so the liveness probe sees the run as alive. It returns ErrSiteLocked
// without doing anything when the lock is already held.
func (p *Processor) RunSite(ctx context.Context, siteID int64) error {
	lease, ok, err := p.locker.TryAcquire(ctx, liveness.LockName(siteID), p.cfg.WorkerLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSiteLocked
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			p.log.WithError(err).WithField("site_id", siteID).Warn("release site lock")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.keepAlive(runCtx, cancel, lease, siteID)

	res, err := p.mgr.Lookup(runCtx, siteID)
	if err != nil {
		return err
	}
	if !res.Found {
		return nil
	}
	switch res.Status.State {
	case models.StateFinished, models.StateErrored:
		return nil
	}
	if err := p.mgr.ResumeImport(runCtx, siteID); err != nil {
		return err
	}

	log, closeLog := p.runLogger(ctx, res.Status)
	defer closeLog()

	err = p.importSite(runCtx, siteID, log)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, status.ErrNotFound) {
		log.Info("import was deleted while running")
		return nil
	}
	if errors.Is(err, ErrRateLimited) {
		telemetry.RateLimitHits.Inc()
		log.Info("rate limited, pausing import")
		return p.mgr.RateLimitReached(ctx, siteID)
	}
	telemetry.ImportsErrored.Inc()
	log.WithError(err).Error("import errored")
	if serr := p.mgr.ErroredImport(ctx, siteID, err.Error()); serr != nil {
		return fmt.Errorf("record error %q: %w", err, serr)
	}
	return nil
}

func (p *Processor) importSite(ctx context.Context, siteID int64, log *logrus.Entry) error {
	st, err := p.mgr.GetImportStatus(ctx, siteID)
	if err != nil {
		return err
	}

	for _, r := range st.ReimportRanges {
		start, err := models.ParseDate(r.Start)
		if err != nil {
			return err
		}
		end, err := models.ParseDate(r.End)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"start": r.Start, "end": r.End}).Info("re-importing range")
		for day := start; !day.After(end); day = day.AddDays(1) {
			if err := p.importDay(ctx, st, day); err != nil {
				return err
			}
		}
		if err := p.mgr.RemoveReImportEntry(ctx, siteID, r); err != nil {
			return err
		}
	}

	from, to, err := p.pendingRange(ctx, st)
	if err != nil {
		return err
	}
	for day := from; !day.After(to); day = day.AddDays(1) {
		if err := p.importDay(ctx, st, day); err != nil {
			return err
		}
		if err := p.mgr.DayImportFinished(ctx, siteID, day); err != nil {
			return err
		}
		telemetry.DaysImported.Inc()
		log.WithField("day", day.String()).Debug("day imported")
	}

	st, err = p.mgr.GetImportStatus(ctx, siteID)
	if err != nil {
		return err
	}
	if !st.ImportRangeEnd.IsZero() && !st.LastDateImported.IsZero() && !st.LastDateImported.Before(st.ImportRangeEnd) {
		telemetry.ImportsFinished.Inc()
		log.Info("import finished")
		return p.mgr.FinishedImport(ctx, siteID)
	}
	return nil
}

func (p *Processor) importDay(ctx context.Context, st models.JobStatus, day models.Date) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.quota != nil {
		allowed, _, err := p.quota.Take(ctx, st.SiteID)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	if err := p.importer.ImportDay(ctx, st, day); err != nil {
		return fmt.Errorf("import %s: %w", day, err)
	}
	return nil
}

// pendingRange picks the days still to import: from the day after the last
// imported one (or the range start, or the site's creation day) up to the
// range end, never past yesterday.
func (p *Processor) pendingRange(ctx context.Context, st models.JobStatus) (models.Date, models.Date, error) {
	var from models.Date
	switch {
	case !st.LastDateImported.IsZero():
		from = st.LastDateImported.AddDays(1)
	case !st.ImportRangeStart.IsZero():
		from = st.ImportRangeStart
	default:
		site, err := p.sites.GetSite(ctx, st.SiteID)
		if err != nil {
			return models.Date{}, models.Date{}, err
		}
		from = models.NewDate(site.CreatedAt)
	}
	if !st.ImportRangeStart.IsZero() && from.Before(st.ImportRangeStart) {
		from = st.ImportRangeStart
	}

	to := models.NewDate(p.now()).AddDays(-1)
	if !st.ImportRangeEnd.IsZero() && st.ImportRangeEnd.Before(to) {
		to = st.ImportRangeEnd
	}
	return from, to, nil
}

// keepAlive refreshes the site lock and the queue lease. Losing the lock
// means another worker may take over, so the run is cancelled.
func (p *Processor) keepAlive(ctx context.Context, cancel context.CancelFunc, lease *lock.Lease, siteID int64) {
	ticker := time.NewTicker(p.cfg.WorkerLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, p.cfg.WorkerLockTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				telemetry.LockLost.Inc()
				p.log.WithError(err).WithField("site_id", siteID).Error("lost site lock, stopping run")
				cancel()
				return
			}
			if err := p.queue.ExtendLease(ctx, siteID, p.cfg.WorkerLockTTL); err != nil && ctx.Err() == nil {
				p.log.WithError(err).WithField("site_id", siteID).Warn("extend queue lease")
			}
		}
	}
}

// runLogger also writes to the site's job log file, which DeleteStatus removes.
// The returned func closes the file and hands it to the archiver, if any.
func (p *Processor) runLogger(ctx context.Context, st models.JobStatus) (*logrus.Entry, func()) {
	entry := p.log.WithField("site_id", st.SiteID)
	noop := func() {}
	if p.cfg.JobLogDir == "" {
		return entry, noop
	}
	path := joblogs.ImportLogPath(p.cfg.JobLogDir, st.SiteID, p.cfg.Hostname)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		entry.WithError(err).Warn("create job log dir")
		return entry, noop
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		entry.WithError(err).Warn("open job log")
		return entry, noop
	}

	fileLog := logrus.New()
	fileLog.SetOutput(io.MultiWriter(p.log.Logger.Out, f))
	fileLog.SetFormatter(p.log.Logger.Formatter)
	fileLog.SetLevel(p.log.Logger.GetLevel())
	if st.IsVerboseLoggingEnabled != nil && *st.IsVerboseLoggingEnabled {
		fileLog.SetLevel(logrus.DebugLevel)
	}

	closeLog := func() {
		if err := f.Close(); err != nil {
			entry.WithError(err).Warn("close job log")
			return
		}
		if p.archiver == nil {
			return
		}
		if err := p.archiver.Upload(context.WithoutCancel(ctx), st.SiteID, p.cfg.Hostname, path); err != nil {
			entry.WithError(err).Warn("archive job log")
		}
	}
	return fileLog.WithFields(p.log.Data).WithField("site_id", st.SiteID), closeLog
}
