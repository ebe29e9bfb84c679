package api

import (
	"context"
	"net/http"
	"runbin/cfg"
	"runbin/svc/blob"
	"runbin/svc/db"
	"runbin/svc/lim"
	"runbin/svc/svc"
	"runbin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	blobs      blob.Store
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, sqlDB *db.SQLite, blobs blob.Store, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		paste:  p,
		lim:    l,
		cfg:    c,
		db:     sqlDB,
		blobs:  blobs,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", util.RedactURL(req.URL)).
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
		r.Use(mw.AnomalyDetection)
		r.Use(mw.Metrics)
		hdl := &Hdl{paste: p, cfg: c}
		r.With(mw.RateLimit(lim.EndpointCreate)).Post("/paste", hdl.Submit)
		r.With(mw.RateLimit(lim.EndpointUpdate)).Post("/paste/{id}", hdl.Update)
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/paste/{id}/raw", hdl.Raw)
		r.With(mw.RateLimit(lim.EndpointExecute)).Get("/paste/{id}/execute", hdl.Execute)
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/status", hdl.Status)
	})
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      c.ContextTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
