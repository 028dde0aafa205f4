package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/neuromesh/mesh"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			HasConsensus bool      `json:"hasConsensus"`
			BuildID      string    `json:"buildId,omitempty"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			HasConsensus: app.StateTracker.HasConsensus(),
		}
		if snap := app.StateTracker.Snapshot(); snap != nil {
			status.BuildID = snap.Summary.BuildID
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	mux.HandleFunc("/consensus.swc", func(w http.ResponseWriter, r *http.Request) {
		cons, ok := consensusForRequest(app, w, r)
		if !ok {
			return
		}
		basis, err := parseNodeType(r.URL.Query().Get("type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.WriteSWC(w, cons, basis, cons.Threshold.Kind); err != nil {
			log.Printf("Error encoding consensus SWC: %v", err)
		}
	})

	mux.HandleFunc("/consensus.json", func(w http.ResponseWriter, r *http.Request) {
		cons, ok := consensusForRequest(app, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(cons); err != nil {
			log.Printf("Error encoding consensus JSON: %v", err)
		}
	})

	mux.HandleFunc("/consensus.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := rendererForRequest(app, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error rendering consensus SVG: %v", err)
		}
	})

	mux.HandleFunc("/consensus.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := rendererForRequest(app, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderPNGWithLegend(w); err != nil {
			log.Printf("Error rendering consensus PNG: %v", err)
		}
	})

	mux.HandleFunc("/rebuild", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		threshold, err := thresholdParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cons, err := app.Rebuild(threshold)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := struct {
			Branches int `json:"branches"`
			Trees    int `json:"trees"`
		}{cons.Len(), len(cons.Roots)}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding rebuild response: %v", err)
		}
	})

	return mux
}

// thresholdParam reads the optional ?threshold= query parameter.
func thresholdParam(r *http.Request) (*float64, error) {
	raw := r.URL.Query().Get("threshold")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// consensusForRequest returns the stored consensus, or a fresh extraction
// when the request names a threshold. It writes the error response itself.
func consensusForRequest(app *App, w http.ResponseWriter, r *http.Request) (*mesh.Consensus, bool) {
	threshold, err := thresholdParam(r)
	if err != nil {
		http.Error(w, "invalid threshold: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if threshold != nil {
		cons, err := app.Extract(threshold)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return nil, false
		}
		return cons, true
	}

	snap := app.StateTracker.Snapshot()
	if snap == nil || snap.Consensus == nil {
		http.Error(w, "No consensus available", http.StatusServiceUnavailable)
		return nil, false
	}
	return snap.Consensus, true
}

func rendererForRequest(app *App, w http.ResponseWriter, r *http.Request) (*mesh.VectorRenderer, bool) {
	cons, ok := consensusForRequest(app, w, r)
	if !ok {
		return nil, false
	}
	if cons.Empty() {
		log.Printf("Warning: consensus is empty; endpoint=%s", r.URL.Path)
		http.Error(w, "Consensus has no branches", http.StatusServiceUnavailable)
		return nil, false
	}

	rc := app.Config.Render
	if p := r.URL.Query().Get("projection"); p != "" {
		rc.Projection = p
	}
	renderer, err := mesh.NewVectorRendererFromConfig(cons, rc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return renderer, true
}
