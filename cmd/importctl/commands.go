package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"import-status-tracker/internal/config"
	"import-status-tracker/internal/joblogs"
	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/lock"
	"import-status-tracker/internal/models"
	"import-status-tracker/internal/queue"
	"import-status-tracker/internal/sites"
	"import-status-tracker/internal/status"
	"import-status-tracker/internal/store"
)

type siteStore interface {
	status.SiteRegistry
	UpsertSite(ctx context.Context, s models.Site) error
}

type runQueue interface {
	Enqueue(ctx context.Context, siteID int64) (bool, error)
	Cancel(ctx context.Context, siteID int64) error
}

// app holds what a command needs, opened per invocation.
type app struct {
	cfg   config.Config
	mgr   *status.Manager
	sites siteStore
	queue runQueue
	out   io.Writer
	now   func() time.Time
	close func()
}

type appOpener func(ctx context.Context, envFile string) (*app, error)

func withApp(open appOpener, fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := open(ctx, cmd.String("env"))
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, cmd, a)
	}
}

func openApp(ctx context.Context, envFile string) (*app, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := config.Load()

	registry, err := sites.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	removers, err := joblogs.NewFromConfig(ctx, cfg)
	if err != nil {
		registry.Close()
		_ = client.Close()
		return nil, err
	}

	mgr := status.NewManager(
		store.NewRedisRepository(client, cfg.StatusKeyPrefix, cfg.RangeKeyPrefix),
		liveness.NewLockProbe(lock.NewRedisLocker(client, cfg.LockKeyPrefix)),
		registry,
		status.WithHostname(cfg.Hostname),
		status.WithLogRemover(removers),
	)
	return &app{
		cfg:   cfg,
		mgr:   mgr,
		sites: registry,
		queue: queue.NewRedisQueue(client, cfg.QueueKeyPrefix, cfg.WorkerLockTTL),
		out:   os.Stdout,
		now:   time.Now,
		close: func() {
			registry.Close()
			_ = client.Close()
		},
	}, nil
}

func listAction(ctx context.Context, cmd *cli.Command, a *app) error {
	views, err := a.mgr.GetAllStatuses(ctx, cmd.Bool("check-killed"))
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tNAME\tSTATUS\tLAST IMPORTED\tRANGE\tDAYS LEFT")
	for _, v := range views {
		name := "-"
		if v.Site != nil {
			name = v.Site.Name
		}
		if v.CorruptRecord != "" {
			fmt.Fprintf(tw, "%d\t%s\tcorrupt\t-\t-\t-\n", v.SiteID, name)
			continue
		}
		left := "-"
		if v.EstimatedDaysLeftToFinish != nil {
			left = v.EstimatedDaysLeftToFinish.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s..%s\t%s\n",
			v.SiteID, name, v.State, orDash(v.LastDateImported.String()),
			v.ImportRangeStart.String(), v.ImportRangeEnd.String(), left)
	}
	return tw.Flush()
}

func showAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	st, err := a.mgr.GetImportStatus(ctx, siteID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return err
	}
	first, last, err := a.mgr.ImportedDateRange(ctx, siteID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "imported: %s..%s\n", orDash(first.String()), orDash(last.String()))
	return nil
}

func resumeAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	if err := a.mgr.ResumeImport(ctx, siteID); err != nil {
		return err
	}
	return a.schedule(ctx, siteID, "resumed")
}

func reimportAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	start, err := models.ParseDate(cmd.String("start"))
	if err != nil {
		return err
	}
	end, err := a.endDate(cmd.String("end"))
	if err != nil {
		return err
	}
	if err := a.mgr.ScheduleReImport(ctx, siteID, start, end); err != nil {
		return err
	}
	return a.schedule(ctx, siteID, fmt.Sprintf("re-import of %s..%s queued", start, end))
}

func endDateAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	end, err := a.endDate(cmd.String("end"))
	if err != nil {
		return err
	}
	if err := a.mgr.ChangeImportEndDate(ctx, siteID, end); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "site %d: end date set to %s\n", siteID, orDash(end.String()))
	return nil
}

func verboseAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	enabled := !cmd.Bool("off")
	if err := a.mgr.SetVerboseLogging(ctx, siteID, enabled); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "site %d: verbose logging %t\n", siteID, enabled)
	return nil
}

func deleteAction(ctx context.Context, cmd *cli.Command, a *app) error {
	siteID := cmd.Int("site")
	if err := a.queue.Cancel(ctx, siteID); err != nil {
		return err
	}
	if err := a.mgr.DeleteStatus(ctx, siteID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "site %d: import deleted\n", siteID)
	return nil
}

func siteAddAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s := models.Site{ID: cmd.Int("site"), Name: cmd.String("name")}
	if raw := cmd.String("created"); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			return err
		}
		s.CreatedAt = d.Time()
	}
	if err := a.sites.UpsertSite(ctx, s); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "site %d registered as %q\n", s.ID, s.Name)
	return nil
}

func (a *app) schedule(ctx context.Context, siteID int64, what string) error {
	if _, err := a.queue.Enqueue(ctx, siteID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "site %d: %s\n", siteID, what)
	return nil
}

func (a *app) endDate(raw string) (models.Date, error) {
	end, err := models.ParseDate(raw)
	if err != nil {
		return models.Date{}, err
	}
	return status.LimitEndDate(end, a.cfg.MaxEndDate, a.now())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
