// Package httpapi serves the jobkitd admin API: spool and service state,
// service controls, watchdog reports, stored end-events, a live event
// websocket, Prometheus metrics and optional pprof.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobkit/internal/eventbus"
	"jobkit/internal/runtime/supervisor"
	"jobkit/internal/storage"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
)

const defaultEventsLimit = 50

// Deps are the components the API reads and controls. Only Runner is
// required; missing parts answer 503 or are left unrouted.
type Deps struct {
	Runner     jobkit.Runner
	Spools     func() []jobkit.SpoolSnapshot
	Goroutines func() supervisor.Snapshot
	Watchdog   *jobkit.Watchdog
	Store      storage.Store
	Bus        eventbus.Bus
	Metrics    http.Handler
	Log        logx.Logger
}

// RouterOptions are the per-listener settings.
type RouterOptions struct {
	Token string
	Pprof bool
}

type api struct {
	d   Deps
	log logx.Logger
	ws  *wsStream
}

// NewRouter builds the admin handler. With a token set every route requires
// it, as a bearer header or a token query parameter.
func NewRouter(d Deps, opts RouterOptions) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{d: d, log: log}
	if d.Bus != nil {
		a.ws = newWSStream(d.Bus, log)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.requestLog)
	r.Use(withAuth(opts.Token))

	r.Get("/healthz", a.handleHealth)
	if d.Metrics != nil {
		r.Mount("/metrics", d.Metrics)
	}
	r.Get("/spools", a.handleSpools)
	r.Get("/spools/{name}", a.handleSpool)
	r.Get("/services", a.handleServices)
	r.Get("/services/{name}", a.handleService)
	r.Post("/services/{name}/enable", a.handleServiceAction("enable"))
	r.Post("/services/{name}/disable", a.handleServiceAction("disable"))
	r.Post("/services/{name}/run", a.handleServiceAction("run"))
	r.Get("/watchdog/reports", a.handleReports)
	r.Get("/watchdog/history", a.handleReportHistory)
	r.Get("/events", a.handleEvents)
	if a.ws != nil {
		r.Get("/events/ws", a.ws.ServeHTTP)
	}
	if d.Goroutines != nil {
		r.Get("/goroutines", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Goroutines())
		})
	}
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

type health struct {
	Status   string `json:"status"`
	Spools   int    `json:"spools"`
	Running  int    `json:"running"`
	Queued   int    `json:"queued"`
	Services int    `json:"services"`
	Reports  int    `json:"watchdog_reports"`
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Services: len(a.d.Runner.Services()), Reports: len(a.d.Watchdog.Reports())}
	for _, s := range a.spools() {
		h.Spools++
		if s.Running {
			h.Running++
		}
		h.Queued += len(s.Queued)
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *api) spools() []jobkit.SpoolSnapshot {
	if a.d.Spools == nil {
		return nil
	}
	return a.d.Spools()
}

func (a *api) handleSpools(w http.ResponseWriter, _ *http.Request) {
	out := a.spools()
	if out == nil {
		out = []jobkit.SpoolSnapshot{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleSpool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, s := range a.spools() {
		if s.Name == name {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown spool")
}

func (a *api) handleServices(w http.ResponseWriter, _ *http.Request) {
	list := a.d.Runner.Services()
	out := make([]jobkit.ServiceSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.d.Runner.Service(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, jobkit.ErrUnknownService.Error())
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (a *api) handleServiceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		svc, ok := a.d.Runner.Service(name)
		if !ok {
			writeError(w, http.StatusNotFound, jobkit.ErrUnknownService.Error())
			return
		}
		var err error
		switch action {
		case "enable":
			err = svc.Enable()
		case "disable":
			svc.Disable()
		case "run":
			err = svc.RunNow()
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		a.log.Info("service action", logx.String("service", name), logx.String("action", action))
		writeJSON(w, http.StatusOK, svc.Snapshot())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobkit.ErrAlreadyScheduled):
		return http.StatusConflict
	case errors.Is(err, jobkit.ErrShutdown), errors.Is(err, jobkit.ErrSpoolRefused):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobkit.ErrZeroInterval), errors.Is(err, jobkit.ErrInvalidRetryFactor):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) handleReports(w http.ResponseWriter, _ *http.Request) {
	out := a.d.Watchdog.Reports()
	if out == nil {
		out = []jobkit.SpoolReport{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	out, err := a.d.Store.RecentReports(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []storage.ReportEntry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	evs, err := a.d.Store.RecentEvents(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultEventsLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
