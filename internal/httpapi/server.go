// Package httpapi provides the optional read-only HTTP status API of the
// daemon.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/state"
	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

const defaultBootLimit = 20

// Containers is the read side of the container manager.
type Containers interface {
	List(ctx context.Context) ([]wire.ContainerStatus, error)
	Status(ctx context.Context, name string) (wire.ContainerStatus, error)
	Boots(ctx context.Context, name string, limit int) ([]*state.BootRecord, error)
}

// Server is the status API.
type Server struct {
	Router     chi.Router
	containers Containers
	logger     *slog.Logger
}

// NewServer creates the API with all routes registered.
func NewServer(containers Containers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s := &Server{
		Router:     router,
		containers: containers,
		logger:     logger.With("component", "httpapi"),
	}
	router.Use(s.logRequests)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Get("/v1/health", s.handleHealth)
	s.Router.Get("/v1/containers", s.handleListContainers)
	s.Router.Get("/v1/containers/{name}", s.handleGetContainer)
	s.Router.Get("/v1/containers/{name}/boots", s.handleListBoots)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, errdefs.ErrUnknownContainer) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	list, err := s.containers.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"containers": list,
		"count":      len(list),
	})
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	st, err := s.containers.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// bootResponse is the JSON form of a boot record.
type bootResponse struct {
	SessionID   string    `json:"session_id"`
	Port        int       `json:"port,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	LogPath     string    `json:"log_path"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

func (s *Server) handleListBoots(w http.ResponseWriter, r *http.Request) {
	limit := defaultBootLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.containers.Boots(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	boots := make([]bootResponse, 0, len(recs))
	for _, rec := range recs {
		boots = append(boots, bootResponse{
			SessionID:   rec.ID,
			Port:        rec.Port,
			Outcome:     rec.Outcome,
			FailureKind: rec.FailureKind,
			LogPath:     rec.LogPath,
			StartedAt:   rec.StartedAt,
			EndedAt:     rec.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"boots": boots,
		"count": len(boots),
	})
}
