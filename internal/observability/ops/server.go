// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, manual ordering runs, status and optional pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"eventorder/internal/config"
	rtsup "eventorder/internal/runtime/supervisor"
	logx "eventorder/pkg/logx"
)

// Config controls the server.
//
// Binding to a non-loopback address requires Token unless AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	Pprof         bool
	PprofPrefix   string
	RunsPerMinute int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FromConfig maps the config file section.
func FromConfig(c config.OpsConfig) Config {
	return Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		PprofPrefix:   c.PprofPrefix,
		RunsPerMinute: c.RunsPerMinute,
		ReadTimeout:   config.DurationOr(c.ReadTimeout, 10*time.Second),
		// pprof /profile streams for 30s+; no write timeout by default.
		WriteTimeout: config.DurationOr(c.WriteTimeout, 0),
		IdleTimeout:  config.DurationOr(c.IdleTimeout, time.Minute),
	}
}

type Service struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

// Addr returns the bound address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting as needed. Safe
// to call on every config reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start runs the server under a restart loop. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("ops.http", s.serveOnce, rtsup.RestartPolicy{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	})
}

// Stop shuts the server down and waits for it or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("ops server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := cur.Addr
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	loopback := config.IsLoopbackAddr(addr)
	if !loopback && cur.Token == "" {
		if !cur.AllowInsecure {
			s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return errors.New("ops server refused to start: insecure bind")
		}
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      NewHandler(cur, s.deps, s.log),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("ops server started",
		logx.String("addr", bound),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		<-errCh
		s.clearAddr(bound)
		return context.Canceled
	case err := <-errCh:
		s.clearAddr(bound)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return errors.New("ops server exited unexpectedly")
		}
		return err
	}
}

func (s *Service) clearAddr(bound string) {
	s.mu.Lock()
	if s.addr == bound {
		s.addr = ""
	}
	s.mu.Unlock()
}
