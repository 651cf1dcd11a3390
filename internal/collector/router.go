package collector

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MountRoutes registers the collector's HTTP API and metrics endpoint
// on r, matching the teacher's subrouter-per-area convention.
func (s *State) MountRoutes(r *mux.Router) {
	cr := r.PathPrefix("/collector").Subrouter()
	cr.StrictSlash(true)

	cr.HandleFunc("/status", s.GetStatus).Methods(http.MethodGet)
	cr.HandleFunc("/batches", s.GetBatches).Methods(http.MethodGet)
	cr.HandleFunc("/acknowledge", s.Acknowledge).Methods(http.MethodPost)
	cr.HandleFunc("/rewind", s.Rewind).Methods(http.MethodPost)
	cr.HandleFunc("/checkpoint", s.GetCheckpoint).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
