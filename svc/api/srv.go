package api

import (
	"context"
	"net/http"
	"time"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is a dependency the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer needs. Hasher and Redis may be
// nil.
type Deps struct {
	Cfg     *cfg.Cfg
	Paste   *svc.Paste
	Limiter *lim.Limiter
	Hasher  *util.AddrHasher
	DB      Pinger
	Redis   Pinger
	SiteKey string
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         Pinger
	rdb        Pinger
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	c := d.Cfg
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c)
	s := &Server{
		router: r,
		cfg:    c,
		db:     d.DB,
		rdb:    d.Redis,
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeErr(w, domain.ErrRouteNotFound, util.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeErr(w, domain.ErrRouteNotFound, util.GetRequestID(req.Context()))
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.Metrics)
		r.Use(mw.AnomalyDetection)

		h := &Hdl{
			paste:   d.Paste,
			cfg:     c,
			lim:     d.Limiter,
			hasher:  d.Hasher,
			siteKey: d.SiteKey,
		}
		r.Route("/api", func(r chi.Router) {
			r.With(mw.RateLimit("options")).Get("/options", h.GetOptions)
			r.With(mw.RateLimit("create"), mw.WriteSlots).Post("/pastes", h.CreatePaste)
			r.With(mw.RateLimit("view")).Get("/pastes/{slug:[a-f0-9]+}", h.GetPaste)
			r.With(mw.RateLimit("fork"), mw.WriteSlots).Post("/pastes/{slug:[a-f0-9]+}/fork", h.ForkPaste)
			r.With(mw.RateLimit("delete"), mw.WriteSlots).Delete("/pastes/{slug:[a-f0-9]+}", h.DeletePaste)
			r.Post("/gc", h.Purge)
		})
	})

	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
