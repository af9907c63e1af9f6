package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

func (s *Server) registerMiddleware() {
	s.mux.Use(s.instrument)
}

// instrument wraps every route with the dispatch service's correlation and
// accounting: a request id (echoed back so driver and passenger apps can
// quote it in bug reports), the caller's driver identity when present,
// per-route Prometheus counters, and panic containment. One wrapper
// instead of a chain so a panic is still counted and logged with the same
// correlation fields as a normal request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = models.NewID()
		}
		w.Header().Set("X-Request-ID", rid)

		log := s.logger.With("request_id", rid)
		if drv := r.Header.Get(driverIDHeader); drv != "" {
			log = log.With("driver_id", drv)
		}

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		route := routePattern(r)

		defer func() {
			if p := recover(); p != nil {
				rec.code = http.StatusInternalServerError
				http.Error(w, "internal error", http.StatusInternalServerError)
				log.Error("panic in handler", "route", route, "panic", p)
			}
			status := strconv.Itoa(rec.code)
			elapsed := time.Since(start)
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
			log.Info("request handled",
				"method", r.Method,
				"route", route,
				"status", rec.code,
				"elapsed_ms", elapsed.Milliseconds(),
				"peer", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// statusRecorder remembers the response code for the access log; handlers
// that never call WriteHeader implicitly answered 200.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// routePattern labels metrics with the route template ("/api/v1/rides/
// {id}/accept"), not the concrete URL, to keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
