// Package routes serves the operational status HTTP API: a health probe and
// read-only JSON views of the bridge counters and the learned node identities.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/wpamesh/meshtopo/pkg/config"
	"github.com/wpamesh/meshtopo/pkg/models"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	timeFormat        = "2006-01-02 15:04:05"
)

type statsSource interface {
	Stats() models.StatsSnapshot
}

type nodeSource interface {
	KnownNodes() ([]models.NodeIdentity, error)
}

// StatusServer exposes bridge state over HTTP. It has no UI and no
// authentication; bind it to localhost or a management network.
type StatusServer struct {
	log    *slog.Logger
	stats  statsSource
	nodes  nodeSource
	server *http.Server
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	StartTime         string            `json:"start_time"`
	Uptime            string            `json:"uptime"`
	Connected         bool              `json:"connected"`
	MessagesReceived  uint64            `json:"messages_received"`
	MessagesProcessed uint64            `json:"messages_processed"`
	MessagesDiscarded uint64            `json:"messages_discarded"`
	PolicyRejected    uint64            `json:"policy_rejected"`
	PositionsSent     uint64            `json:"positions_sent"`
	PositionsFailed   uint64            `json:"positions_failed"`
	ByKind            map[string]uint64 `json:"by_kind,omitempty"`
}

// NodesResponse is the /api/nodes payload.
type NodesResponse struct {
	Nodes []models.NodeIdentity `json:"nodes"`
}

// New builds the status server for cfg.Status.Listen. It does not accept
// connections until Run is called.
func New(cfg *config.Configuration, stats statsSource, nodes nodeSource, log *slog.Logger) *StatusServer {
	s := &StatusServer{
		log:   log,
		stats: stats,
		nodes: nodes,
	}

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/healthz", s.healthz).Methods("GET")
	router.HandleFunc("/api/status", s.getStatus).Methods("GET")
	router.HandleFunc("/api/nodes", s.getNodes).Methods("GET")
	router.Use(handlers.ProxyHeaders)
	router.Use(s.requestLogger)

	s.server = &http.Server{
		Addr:              cfg.Status.Listen,
		Handler:           handlers.RecoveryHandler()(router),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

// Run serves HTTP until the context is cancelled, then drains in-flight
// requests before returning.
func (s *StatusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()
	s.log.Info("status server listening", "address", s.server.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	}
}

func (s *StatusServer) requestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (s *StatusServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *StatusServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		StartTime:         snap.StartTime.Format(timeFormat),
		Uptime:            snap.Uptime().Round(time.Second).String(),
		Connected:         snap.Connected,
		MessagesReceived:  snap.MessagesReceived,
		MessagesProcessed: snap.MessagesProcessed,
		MessagesDiscarded: snap.MessagesDiscarded,
		PolicyRejected:    snap.PolicyRejected,
		PositionsSent:     snap.PositionsSent,
		PositionsFailed:   snap.PositionsFailed,
		ByKind:            snap.ByKind,
	})
}

func (s *StatusServer) getNodes(w http.ResponseWriter, _ *http.Request) {
	nodes, err := s.nodes.KnownNodes()
	if err != nil {
		s.log.Error("error listing known nodes", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(NodesResponse{Nodes: nodes})
}
