package app

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/auth"
	"github.com/molpadia/molpadrive/internal/gateway"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/molpadia/molpadrive/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const APIPrefix = "/molpadrive/v1"

type appHandler func(http.ResponseWriter, *http.Request) error

func (fn appHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := fn(w, r); err != nil {
		e := newAppError(err)
		entry := loggerFrom(r.Context()).WithError(err)
		if e.Code >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.WithField("kind", apperr.KindOf(err).String()).Debug("request rejected")
		}
		replyJSON(w, e, e.Code)
	}
}

// Services are the components served by the router.
type Services struct {
	Coordinator    *session.Coordinator
	Collector      *gc.Collector
	Gateway        *gateway.Gateway
	Verifier       *auth.Verifier
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	// Ready probes the metadata store. Nil reports healthy.
	Ready func(ctx context.Context) error
	Log   logrus.FieldLogger
}

// Register API endpoints to the router.
func SetupRoutes(r *mux.Router, s Services) {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	c := newController(s.Coordinator, s.Collector)
	r.Use(requestLogger(s.Log))

	r.Methods("GET").Path("/healthz").Handler(appHandler(healthz(s.Ready)))
	if s.Gatherer != nil {
		r.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	api := mux.NewRouter()
	api.Use(auth.Middleware(s.Verifier))
	api.Methods("POST").Path(APIPrefix + "/uploads").Handler(appHandler(c.initiate))
	api.Methods("GET").Path(APIPrefix + "/uploads/{uploadId}").Handler(appHandler(c.getUpload))
	api.Methods("POST").Path(APIPrefix + "/uploads/{uploadId}/parts/{partNumber}/sign").Handler(appHandler(c.signPart))
	api.Methods("GET").Path(APIPrefix + "/uploads/{uploadId}/parts").Handler(appHandler(c.listParts))
	api.Methods("POST").Path(APIPrefix + "/uploads/{uploadId}/complete").Handler(appHandler(c.complete))
	api.Methods("DELETE").Path(APIPrefix + "/uploads/{uploadId}").Handler(appHandler(c.abort))
	api.Methods("GET").Path(APIPrefix + "/quota").Handler(appHandler(c.quota))
	api.Methods("POST").Path(APIPrefix + "/admin/cleanup").Handler(appHandler(c.cleanup))
	r.PathPrefix(APIPrefix).Handler(gateway.CORSMiddleware(s.AllowedOrigins, api))

	if s.Gateway != nil {
		r.PathPrefix(gateway.BasePath).Handler(s.Gateway.Handler(s.Verifier, s.AllowedOrigins))
	}
}

// Report whether the server can reach its metadata store.
func healthz(ready func(ctx context.Context) error) appHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				loggerFrom(r.Context()).WithError(err).Warn("metadata store is not ready")
				return replyJSON(w, HealthResponse{Status: "unavailable"}, http.StatusServiceUnavailable)
			}
		}
		return replyJSON(w, HealthResponse{Status: "ok"}, http.StatusOK)
	}
}

type logContextKey struct{}

// Log every request with a request id. The id is echoed in X-Request-Id.
func requestLogger(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			entry := log.WithFields(logrus.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			w.Header().Set("X-Request-Id", id)
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), logContextKey{}, entry)))

			entry.WithFields(logrus.Fields{
				"status":      rw.status,
				"bytes":       rw.written,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request served")
		})
	}
}

func loggerFrom(ctx context.Context) logrus.FieldLogger {
	if entry, ok := ctx.Value(logContextKey{}).(logrus.FieldLogger); ok {
		return entry
	}
	return logrus.StandardLogger()
}

type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
