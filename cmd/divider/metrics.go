package main

import (
	"encoding/json"
	"net/http"

	"github.com/matst80/divider/internal/state"
	"github.com/matst80/divider/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsHandler serves Prometheus metrics plus lightweight dashboard & state endpoints.
func newMetricsHandler(st state.Store, g gauge) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/divider/metrics", promhttp.Handler())
	mux.HandleFunc("/divider/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectStats(st, g))
	})
	mux.HandleFunc("/divider/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", collectStats(st, g).ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if st.IsClosing() || !st.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
