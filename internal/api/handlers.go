package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobsched/internal/history"
	"jobsched/internal/task/job"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

// Scheduler is the job control surface the API drives.
type Scheduler interface {
	ListJobs() []job.Job
	GetJob(code string) (job.Job, bool)
	RunJob(code string) (string, error)
	PauseJob(code string) bool
	ResumeJob(code string) bool
	RemoveJob(code string) bool
	Snapshot() scheduler.Snapshot
	History() history.Manager
	CleanupHistory(ctx context.Context, days int) (executions, stats int64, err error)
}

const statsWindow = 7 * 24 * time.Hour

type handlers struct {
	sched Scheduler
	log   logx.Logger
}

func (h *handlers) router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.requestLog, middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Route("/api", func(r chi.Router) {
			r.Get("/jobs", h.listJobs)
			r.Get("/jobs/{code}", h.getJob)
			r.Delete("/jobs/{code}", h.removeJob)
			r.Post("/jobs/{code}/run", h.runJob)
			r.Post("/jobs/{code}/pause", h.pauseJob)
			r.Post("/jobs/{code}/resume", h.resumeJob)

			r.Get("/stats", h.stats)
			r.Get("/executions", h.listExecutions)
			r.Get("/executions/{runID}", h.getExecution)
			r.Post("/history/cleanup", h.cleanupHistory)
		})

		if cfg.Debug {
			r.HandleFunc("/debug/pprof/", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				pprof.Handler(chi.URLParam(r, "profile")).ServeHTTP(w, r)
			}))
		}
	})
	return r
}

func (h *handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	snap := h.sched.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": snap.Running,
		"jobs":    snap.ActiveJobs,
	})
}

func (h *handlers) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.ListJobs())
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	j, ok := h.sched.GetJob(code)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found: "+code)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	runID, err := h.sched.RunJob(code)
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found: "+code)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (h *handlers) pauseJob(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.sched.PauseJob, "paused")
}

func (h *handlers) resumeJob(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.sched.ResumeJob, "resumed")
}

func (h *handlers) toggle(w http.ResponseWriter, r *http.Request, fn func(string) bool, status string) {
	code := chi.URLParam(r, "code")
	if !fn(code) {
		writeError(w, http.StatusNotFound, "job not found: "+code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code, "status": status})
}

func (h *handlers) removeJob(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !h.sched.RemoveJob(code) {
		writeError(w, http.StatusNotFound, "job not found: "+code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"scheduler": h.sched.Snapshot()}
	hist := h.sched.History()
	if hist.Enabled() {
		stats, err := hist.GetStats(r.Context(), history.StatsFilter{Since: time.Now().Add(-statsWindow)})
		if err != nil {
			h.fail(w, err)
			return
		}
		out["history"] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	hist := h.sched.History()
	if !hist.Enabled() {
		writeError(w, http.StatusServiceUnavailable, history.ErrDisabled.Error())
		return
	}
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := queryInt(q.Get("page_size"), history.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}
	res, err := hist.GetExecutions(r.Context(), history.Filter{
		JobCode:     q.Get("job_code"),
		Status:      q.Get("status"),
		TriggerType: q.Get("trigger_type"),
	}, history.Page{Page: page, PageSize: size})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	hist := h.sched.History()
	if !hist.Enabled() {
		writeError(w, http.StatusServiceUnavailable, history.ErrDisabled.Error())
		return
	}
	runID := chi.URLParam(r, "runID")
	e, err := hist.GetExecution(r.Context(), runID)
	if errors.Is(err, history.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "execution not found: "+runID)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) cleanupHistory(w http.ResponseWriter, r *http.Request) {
	if !h.sched.History().Enabled() {
		writeError(w, http.StatusServiceUnavailable, history.ErrDisabled.Error())
		return
	}
	days, err := queryInt(r.URL.Query().Get("days"), 0)
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "invalid days")
		return
	}
	execs, stats, err := h.sched.CleanupHistory(r.Context(), days)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"executions": execs, "stats": stats})
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	h.log.Error("api request failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
