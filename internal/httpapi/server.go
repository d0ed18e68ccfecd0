// Package httpapi exposes schedules, history, manual control and the AI
// planner over HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"waterbender/internal/device"
	"waterbender/internal/planner"
	"waterbender/internal/recurrence"
	"waterbender/internal/schedule"
	"waterbender/internal/scheduler"
	"waterbender/internal/storage"
	"waterbender/internal/telemetry"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Store is the storage surface the API uses.
type Store interface {
	List(ctx context.Context, opt storage.ListOptions) ([]schedule.Schedule, error)
	Get(ctx context.Context, id int64) (schedule.Schedule, error)
	Insert(ctx context.Context, s schedule.Schedule) (int64, error)
	DeleteByID(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status schedule.Status) error
	ListHistory(ctx context.Context, limit int) ([]schedule.HistoryRecord, error)
	Ping(ctx context.Context) error
}

type Scheduler interface {
	Reload(ctx context.Context) (int, error)
	Snapshot() scheduler.Snapshot
	Compiler() *recurrence.Compiler
}

type Planner interface {
	Plan(ctx context.Context, req planner.Request) (planner.Result, error)
}

type DeviceState interface {
	State() telemetry.State
}

// Deps wires the handlers. Planner and Device may be nil.
type Deps struct {
	Store     Store
	Scheduler Scheduler
	Publisher transport.Publisher
	Topics    device.Topics
	Planner   Planner
	Device    DeviceState
}

type handler struct {
	deps Deps
	log  logx.Logger
}

type RouterOption func(*routerOptions)

type routerOptions struct {
	profiler bool
}

// WithProfiler mounts net/http/pprof under /debug/pprof/.
func WithProfiler(enabled bool) RouterOption {
	return func(o *routerOptions) { o.profiler = enabled }
}

// NewRouter builds the chi router. When secret is non-empty every /api route
// requires a bearer token.
func NewRouter(deps Deps, secret string, log logx.Logger, opts ...RouterOption) http.Handler {
	var ro routerOptions
	for _, o := range opts {
		o(&ro)
	}
	if deps.Topics == (device.Topics{}) {
		deps.Topics = device.TopicsFor("")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(recoverer(log))
	r.Use(observe(log))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())
	if ro.profiler {
		r.Group(func(r chi.Router) {
			if s := strings.TrimSpace(secret); s != "" {
				r.Use(requireJWT([]byte(s)))
			}
			r.Mount("/debug", chimw.Profiler())
		})
	}

	r.Route("/api", func(r chi.Router) {
		if s := strings.TrimSpace(secret); s != "" {
			r.Use(requireJWT([]byte(s)))
		}
		r.Use(chimw.AllowContentType("application/json"))

		r.Get("/history", h.listHistory)
		r.Get("/device", h.deviceState)

		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules", h.createSchedule)
		r.Post("/schedules/reload", h.reload)
		r.Get("/schedules/{id}", h.getSchedule)
		r.Delete("/schedules/{id}", h.deleteSchedule)
		r.Put("/schedules/{id}/status", h.setStatus)

		r.Get("/scheduler", h.schedulerSnapshot)
		r.Post("/control", h.control)
		r.Post("/auto-schedule", h.autoSchedule)
	})
	return r
}

// Server owns the listener lifecycle.
type Server struct {
	cfg Config
	srv *http.Server
	log logx.Logger
	ln  net.Listener
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Covers the auto-schedule round trip to the model.
		cfg.WriteTimeout = 90 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Start binds the listener and serves in the background. Serve errors after
// start go to errc.
func (s *Server) Start(ctx context.Context, errc chan<- error) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	s.ln = ln
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve failed", logx.Err(err))
			if errc != nil {
				select {
				case errc <- err:
				default:
				}
			}
		}
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
