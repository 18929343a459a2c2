package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// NewRouter serves Prometheus metrics and liveness/readiness probes.
// Readiness follows the cart store.
func NewRouter(store Pinger, log logrus.FieldLogger) http.Handler {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("cartservice-admin"))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !store.Ping(r.Context()) {
			log.Warn("readiness probe failed: cart store unreachable")
			writeStatus(w, http.StatusServiceUnavailable, "cart store unreachable")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	}).Methods(http.MethodGet, http.MethodHead)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// NewServer wraps the router in an http.Server listening on addr.
func NewServer(addr string, store Pinger, log logrus.FieldLogger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(store, log),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": msg})
}
