package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventorder/internal/overflow"
	"eventorder/internal/runtime/supervisor"
	"eventorder/internal/scheduler"
	"eventorder/internal/storage"
	logx "eventorder/pkg/logx"
)

// Orderer is the scheduler surface the API drives.
type Orderer interface {
	Trigger(ctx context.Context, channelID int64, opts scheduler.TriggerOptions) ([]scheduler.ChannelOutcome, error)
	Status() []scheduler.ChannelStatus
}

// Auditor records operator-triggered runs.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators behind the API. Audit and Goroutines may be nil.
type Deps struct {
	Orderer     Orderer
	Assignments func() []overflow.Assignment
	Audit       Auditor
	Goroutines  func() []supervisor.Stats
}

// NewHandler builds the router for cfg. It is exported for tests.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	h := &handlers{deps: deps, log: log}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api/v1/ordering", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Get("/assignments", h.assignments)
			r.With(runLimit(cfg.RunsPerMinute)).Post("/run", h.run)
		})

		if cfg.Pprof {
			prefix := normalizePrefix(cfg.PprofPrefix)
			base := strings.TrimSuffix(prefix, "/")
			r.Get(base, func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
			})
			r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
			r.HandleFunc(base+"/profile", hpprof.Profile)
			r.HandleFunc(base+"/symbol", hpprof.Symbol)
			r.HandleFunc(base+"/trace", hpprof.Trace)
			r.HandleFunc(prefix+"*", func(w http.ResponseWriter, r *http.Request) {
				// Index serves named profiles (heap, goroutine, ...) from the
				// path suffix it finds after "/debug/pprof/".
				name := strings.TrimPrefix(r.URL.Path, prefix)
				if name == "" {
					hpprof.Index(w, r)
					return
				}
				hpprof.Handler(name).ServeHTTP(w, r)
			})
		}
	})
	return r
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// requireToken accepts "Authorization: Bearer <token>". An empty token
// disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// runLimit throttles manual runs per client IP.
func runLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 6
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
		}),
	)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

type runResponse struct {
	OK      int                        `json:"ok"`
	Failed  int                        `json:"failed"`
	Results []scheduler.ChannelOutcome `json:"results"`
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	var channelID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("channel_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel_id"})
			return
		}
		channelID = id
	}
	dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	start := time.Now()
	outs, err := h.deps.Orderer.Trigger(r.Context(), channelID, scheduler.TriggerOptions{DryRun: dry})
	resp := runResponse{Results: outs}
	for _, o := range outs {
		if o.OK {
			resp.OK++
		} else {
			resp.Failed++
		}
	}
	h.audit(r, channelID, dry, resp, err, time.Since(start))

	switch {
	case errors.Is(err, scheduler.ErrUnknownChannel):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *handlers) audit(r *http.Request, channelID int64, dry bool, resp runResponse, err error, took time.Duration) {
	if h.deps.Audit == nil {
		return
	}
	action := "ordering.run"
	if dry {
		action = "ordering.dry_run"
	}
	e := storage.AuditEntry{
		At:        time.Now().UTC(),
		Actor:     fmt.Sprintf("http:%s", r.RemoteAddr),
		Action:    action,
		ChannelID: channelID,
		OK:        resp.OK,
		Fail:      resp.Failed,
		TookMS:    took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := h.deps.Audit.AppendAudit(context.WithoutCancel(r.Context()), e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		h.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"channels": h.deps.Orderer.Status()}
	if h.deps.Goroutines != nil {
		resp["goroutines"] = h.deps.Goroutines()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) assignments(w http.ResponseWriter, _ *http.Request) {
	var as []overflow.Assignment
	if h.deps.Assignments != nil {
		as = h.deps.Assignments()
	}
	if as == nil {
		as = []overflow.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": as})
}
