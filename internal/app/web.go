package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/relabs-tech/geofusion/internal/fusion"
	"github.com/relabs-tech/geofusion/internal/telemetry"
)

// snapshotHandler serves the last fused snapshot as GeoJSON.
func snapshotHandler(last func() (fusion.Snapshot, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := last()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(telemetry.NewFeatureCollection(snap)); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	}
}

// statusHandler serves the current heartbeat report.
func statusHandler(hb *telemetry.Heartbeat, ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hb.Report()); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	}
}

// newMux mounts the transport and API endpoints.
func newMux(
	socketIO http.Handler,
	hub http.Handler,
	metricsHandler http.Handler,
	pipeline *Pipeline,
	hb *telemetry.Heartbeat,
) *http.ServeMux {
	mux := http.NewServeMux()
	if socketIO != nil {
		mux.Handle("/socket.io/", socketIO)
	}
	mux.Handle("/ws/objects", hub)
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/api/snapshot", snapshotHandler(pipeline.LastSnapshot))
	mux.HandleFunc("/api/status", statusHandler(hb, func() bool {
		_, ok := pipeline.LastSnapshot()
		return ok
	}))
	return mux
}
