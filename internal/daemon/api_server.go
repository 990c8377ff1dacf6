package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"transcoder/internal/config"
	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
)

type apiServer struct {
	bind   string
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
	}
	srv.server = &http.Server{
		Handler:           newHandler(d, srv.logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// handlers serves the HTTP surface on top of a daemon's collaborators.
type handlers struct {
	d      *Daemon
	logger *slog.Logger
}

// newHandler builds the routed, CORS-wrapped HTTP handler.
func newHandler(d *Daemon, logger *slog.Logger) http.Handler {
	h := &handlers{d: d, logger: logger}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, metricsMiddleware(d.metrics))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, "route not found")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.MethodNotAllowedHandler = methodNotAllowed

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", d.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	// Subrouters resolve their own method mismatches.
	api.MethodNotAllowedHandler = methodNotAllowed
	api.Use(authMiddleware(d.cfg.Paths.APIToken))
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/videos/upload", h.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/videos", h.handleListVideos).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", h.handleGetVideo).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", h.handleDeleteVideo).Methods(http.MethodDelete)
	api.HandleFunc("/videos/{id}/tasks", h.handleCreateTasks).Methods(http.MethodPost)

	api.HandleFunc("/tasks", h.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", h.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", h.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/status", h.handleTaskStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/download", h.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/retry", h.handleRetryTask).Methods(http.MethodPost)

	api.HandleFunc("/queue/stats", h.handleQueueStats).Methods(http.MethodGet)
	api.HandleFunc("/queue/clean", h.handleQueueClean).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// envelope is the body shape of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.d.Status(r.Context()))
}

func (h *handlers) writeData(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, envelope{Success: true, Data: data})
}

func (h *handlers) writeMessage(w http.ResponseWriter, status int, message string, data any) {
	h.writeJSON(w, status, envelope{Success: true, Data: data, Message: message})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, payload envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, envelope{Success: false, Message: message})
}

// writeFailure maps an operation error onto a status code. Server-side
// failures are logged; client errors are not.
func (h *handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), h.logger), "api request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err),
			logging.ErrorKind(err),
			logging.String(logging.FieldErrorHint, "check store and queue backend availability"),
		)
	}
	h.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateVariant),
		errors.Is(err, tasks.ErrStateConflict),
		errors.Is(err, taskstate.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
