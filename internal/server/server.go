// Package server exposes the operational status endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/xbridge/internal/bridge"
	"github.com/klppl/xbridge/internal/config"
	"github.com/klppl/xbridge/internal/db"
)

// Server serves read-only status over HTTP. It performs no writes.
type Server struct {
	Version string
	Side    bridge.Side
	Cfg     *config.Config
	Store   *db.Store
	Log     *slog.Logger
}

type statusResponse struct {
	Version       string `json:"version"`
	Side          string `json:"side"`
	Started       bool   `json:"started"`
	Open          bool   `json:"open"`
	GreenlistMode bool   `json:"greenlist_mode"`
	ActiveUsers   int    `json:"active_users"`
}

// Run serves until the context is canceled. It returns immediately when no
// status port is configured.
func (s *Server) Run(ctx context.Context) error {
	if s.Cfg.StatusPort == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/api/status", s.handleStatus)

	srv := &http.Server{
		Addr:              ":" + s.Cfg.StatusPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.Log.Info("status server listening", "port", s.Cfg.StatusPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start, _ := bridge.ReadToken(s.Cfg.StartFile)
	open, _ := bridge.ReadToken(s.Cfg.OpenFile)
	active, err := s.Store.CountActiveUsers(r.Context())
	if err != nil {
		s.Log.Error("status user count failed", "error", err)
	}

	resp := statusResponse{
		Version:       s.Version,
		Side:          s.Side.String(),
		Started:       start != s.Cfg.CommandList[8],
		Open:          open != s.Cfg.CommandList[21],
		GreenlistMode: s.Cfg.GreenMode,
		ActiveUsers:   active,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
