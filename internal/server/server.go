// Package server exposes the webhook intake, a health check and Prometheus
// metrics over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/metrics"
	"github.com/repoautomator/prmirror/internal/mirror"
	"github.com/repoautomator/prmirror/internal/service"
)

const maxPayloadSize = 10 << 20

// Webhooks accepts webhook deliveries for a mirror.
type Webhooks interface {
	HandleWebhook(ctx context.Context, mirrorName string, payload []byte, eventKey string) error
}

type Server struct {
	router    *http.ServeMux
	webhooks  Webhooks
	apiPrefix string
	log       *logging.Logger
}

func New() *Server {
	return &Server{log: logging.NewNop()}
}

func (s *Server) WithRouter(router *http.ServeMux) *Server {
	s.router = router
	return s
}

func (s *Server) WithWebhooks(w Webhooks) *Server {
	s.webhooks = w
	return s
}

func (s *Server) WithAPIPrefix(prefix string) *Server {
	s.apiPrefix = prefix
	return s
}

func (s *Server) WithLogger(l *logging.Logger) *Server {
	s.log = l
	return s
}

// Init registers the routes. A router is created if none was configured.
func (s *Server) Init() *Server {
	if s.router == nil {
		s.router = http.NewServeMux()
	}

	s.router.HandleFunc("POST "+s.apiPrefix+"/v1/mirrors/{name}/webhook", s.v1MirrorsWebhook)
	s.router.HandleFunc("GET "+s.apiPrefix+"/health", s.health)
	s.router.Handle("GET "+s.apiPrefix+"/metrics", promhttp.Handler())
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("Listening on %s.", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type response struct {
	Status  string `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) v1MirrorsWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(name, "invalid").Inc()
		s.writeJSON(w, http.StatusBadRequest, response{Code: "invalid_payload", Message: err.Error()})
		return
	}

	err = s.webhooks.HandleWebhook(r.Context(), name, payload, r.Header.Get("X-Event-Key"))
	switch {
	case err == nil:
		metrics.WebhooksTotal.WithLabelValues(name, "accepted").Inc()
		s.writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	case errors.Is(err, service.ErrIgnored):
		metrics.WebhooksTotal.WithLabelValues(name, "ignored").Inc()
		s.writeJSON(w, http.StatusAccepted, response{Status: "ignored"})
	case errors.Is(err, mirror.ErrNotFound):
		metrics.WebhooksTotal.WithLabelValues(name, "unknown").Inc()
		s.writeJSON(w, http.StatusNotFound, response{Code: "not_found", Message: "mirror not found"})
	case errors.Is(err, service.ErrInvalidPayload):
		metrics.WebhooksTotal.WithLabelValues(name, "invalid").Inc()
		s.writeJSON(w, http.StatusBadRequest, response{Code: "invalid_payload", Message: err.Error()})
	default:
		metrics.WebhooksTotal.WithLabelValues(name, "error").Inc()
		s.log.Errorf("webhook for mirror %q failed: %v", name, err)
		s.writeJSON(w, http.StatusInternalServerError, response{Code: "internal_error", Message: "internal error"})
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("failed to write response: %v", err)
	}
}
