// Package admin implements the operator-facing HTTP surface: a liveness
// probe and a JSON stats endpoint, backed by the room registry and the
// process-wide counters rather than by user traffic.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nullbridge/signalhub/backend/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var ErrUnexpected = errors.New("unexpected server error")

// RoomStats is the subset of backend/service.Service the admin endpoint
// reads. Kept as an interface so this package's tests do not need the
// concrete service type.
type RoomStats interface {
	Stats() (rooms, members int)
}

// StatsResponse is the JSON body of GET /stats.
type StatsResponse struct {
	Rooms   int              `json:"rooms"`
	Members int              `json:"members"`
	Metrics metrics.Snapshot `json:"metrics"`
}

type Server struct {
	logger  zerolog.Logger
	svc     RoomStats
	metrics *metrics.Counters
	*http.Server
}

type Config struct {
	Logger     zerolog.Logger
	Service    RoomStats
	Metrics    *metrics.Counters
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "admin-server").Logger(),
		svc:     cfg.Service,
		metrics: cfg.Metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.healthz)
	mux.HandleFunc("/stats", srv.stats)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// healthz reports liveness only: the process is up and serving. It does
// not depend on room state, so a healthz probe never fails because a
// room happened to be full or idle.
func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeBytes(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	rooms, members := srv.svc.Stats()
	resp := StatsResponse{Rooms: rooms, Members: members}
	if srv.metrics != nil {
		resp.Metrics = srv.metrics.Snapshot()
	}

	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
