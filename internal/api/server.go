package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"import-status-tracker/internal/config"
	"import-status-tracker/internal/models"
	"import-status-tracker/internal/status"
	"import-status-tracker/internal/telemetry"
)

// Scheduler queues worker runs for a site.
type Scheduler interface {
	Enqueue(ctx context.Context, siteID int64) (bool, error)
	Cancel(ctx context.Context, siteID int64) error
}

// Server wires HTTP handlers for operators managing imports.
type Server struct {
	cfg   config.Config
	mgr   *status.Manager
	sites status.SiteRegistry
	queue Scheduler
	log   *logrus.Entry
	now   func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, mgr *status.Manager, sites status.SiteRegistry, q Scheduler, log *logrus.Entry) *Server {
	return &Server{
		cfg:   cfg,
		mgr:   mgr,
		sites: sites,
		queue: q,
		log:   log,
		now:   time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/imports", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleStart)
		r.Get("/{siteID}", s.handleGet)
		r.Delete("/{siteID}", s.handleDelete)
		r.Post("/{siteID}/end-date", s.handleEndDate)
		r.Post("/{siteID}/resume", s.handleResume)
		r.Post("/{siteID}/reimport", s.handleReimport)
	})
	return r
}

type startRequest struct {
	SiteID                int64              `json:"site_id"`
	Source                models.SourceInfo  `json:"source"`
	ExtraCustomDimensions []models.Dimension `json:"extra_custom_dimensions"`
	StartDate             string             `json:"start_date"`
	EndDate               string             `json:"end_date"`
	Verbose               bool               `json:"verbose"`
}

type rangeRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type okResponse struct {
	Result string `json:"result"`
}

var okBody = okResponse{Result: "ok"}

// errBadRequest marks input validation failures.
var errBadRequest = errors.New("bad request")

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	checkKilled := r.URL.Query().Get("check_killed") == "1"
	views, err := s.mgr.GetAllStatuses(r.Context(), checkKilled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if checkKilled {
		killed := 0
		for _, v := range views {
			if v.State == models.StateKilled {
				killed++
			}
		}
		telemetry.KilledImportsGauge.Set(float64(killed))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.mgr.GetImportStatus(r.Context(), siteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SiteID <= 0 {
		s.writeError(w, r, fmt.Errorf("site_id is required: %w", errBadRequest))
		return
	}
	if req.Source.Property == "" {
		s.writeError(w, r, fmt.Errorf("source.property is required: %w", errBadRequest))
		return
	}
	if _, err := s.sites.GetSite(r.Context(), req.SiteID); err != nil {
		s.writeError(w, r, fmt.Errorf("unknown site %d: %w", req.SiteID, errBadRequest))
		return
	}
	start, end, err := s.parseRange(req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if _, err := s.mgr.StartingImport(ctx, req.Source, req.SiteID, req.ExtraCustomDimensions); err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.ImportsStarted.Inc()

	if err := s.configureStarted(ctx, req.SiteID, start, end, req.Verbose); err != nil {
		if serr := s.mgr.ErroredImport(ctx, req.SiteID, err.Error()); serr != nil {
			s.log.WithError(serr).WithField("site_id", req.SiteID).Warn("mark import errored")
		}
		s.writeError(w, r, err)
		return
	}

	st, err := s.mgr.GetImportStatus(ctx, req.SiteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"site_id": req.SiteID, "property": req.Source.Property}).Info("import started")
	writeJSON(w, http.StatusAccepted, st)
}

// configureStarted applies the optional settings of a new import and hands
// it to the workers.
func (s *Server) configureStarted(ctx context.Context, siteID int64, start, end models.Date, verbose bool) error {
	if !start.IsZero() || !end.IsZero() {
		if err := s.mgr.SetImportDateRange(ctx, siteID, start, end); err != nil {
			return err
		}
	}
	if verbose {
		if err := s.mgr.SetVerboseLogging(ctx, siteID, true); err != nil {
			return err
		}
	}
	_, err := s.queue.Enqueue(ctx, siteID)
	return err
}

func (s *Server) handleEndDate(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	_, end, err := s.parseRange("", req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.mgr.ChangeImportEndDate(r.Context(), siteID, end); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.mgr.ResumeImport(r.Context(), siteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), siteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleReimport(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		s.writeError(w, r, fmt.Errorf("start_date and end_date are required: %w", errBadRequest))
		return
	}
	start, end, err := s.parseRange(req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.mgr.ScheduleReImport(r.Context(), siteID, start, end); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), siteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.queue.Cancel(r.Context(), siteID); err != nil {
		s.log.WithError(err).WithField("site_id", siteID).Warn("cancel queued run")
	}
	if err := s.mgr.DeleteStatus(r.Context(), siteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithField("site_id", siteID).Info("import deleted")
	writeJSON(w, http.StatusOK, okBody)
}

// parseRange parses operator dates and applies the configured end date cap.
func (s *Server) parseRange(rawStart, rawEnd string) (models.Date, models.Date, error) {
	start, err := models.ParseDate(rawStart)
	if err != nil {
		return models.Date{}, models.Date{}, fmt.Errorf("%v: %w", err, errBadRequest)
	}
	end, err := models.ParseDate(rawEnd)
	if err != nil {
		return models.Date{}, models.Date{}, fmt.Errorf("%v: %w", err, errBadRequest)
	}
	end, err = status.LimitEndDate(end, s.cfg.MaxEndDate, s.now())
	if err != nil {
		return models.Date{}, models.Date{}, err
	}
	return start, end, nil
}

func siteIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "siteID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid site id %q: %w", raw, errBadRequest)
	}
	return id, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "code": code})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	http.Error(w, err.Error(), code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrConflict), errors.Is(err, status.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, status.ErrInvalidRange), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"code":       ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
