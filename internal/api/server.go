// Package api exposes the Kestrel HTTP and live-stream endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	idleTimeout      = 2 * time.Minute
	compressionLevel = 5
)

// Server owns the router and the listening http.Server.
type Server struct {
	cfg     domain.ServerConfig
	handler *Handler
	router  *chi.Mux
	httpSrv *http.Server
}

// NewServer wires every route onto a fresh chi router. Nothing listens
// until Start.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		handler: NewHandler(deps),
		router:  chi.NewRouter(),
	}
	s.routes(deps.Hub)
	return s
}

func (s *Server) routes(hub *Hub) {
	h := s.handler
	s.router.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
	)

	// Upgraded connections cannot pass through the compressor.
	if hub != nil {
		s.router.Get("/ws/live", hub.ServeWS)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(compressionLevel))

		r.Get("/health", h.Health)
		r.Get("/ready", h.Ready)
		r.Get("/stats", h.Stats)

		r.Get("/trades", h.ListTrades)
		r.Post("/trades", h.SubmitTrade)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Get("/{id}", h.GetAlert)
			r.Post("/{id}/read", h.MarkAlertRead)
			r.Post("/{id}/dismiss", h.DismissAlert)
		})

		r.Get("/wallets", h.ListWallets)
		r.Get("/wallets/{address}", h.GetWallet)
		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{id}/stats", h.GetMarketStats)
		r.Post("/markets/{id}/stats/refresh", h.RefreshMarketStats)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/reload", h.ReloadRules)
			r.Get("/{id}", h.GetRule)
		})
	})
}

// Start blocks serving HTTP. It returns nil after a clean Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  idleTimeout,
	}
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the handler tree to tests.
func (s *Server) Router() *chi.Mux { return s.router }
