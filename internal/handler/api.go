package handler

import (
	"net/http"
)

// Routes registers the API on mux. events serves the SSE stream and may be
// nil.
func (h *GraphHandler) Routes(mux *http.ServeMux, events http.Handler) {
	// Graph
	mux.HandleFunc("GET /api/graph", h.GetGraph)
	mux.HandleFunc("GET /api/nodes/{id}", h.GetNode)
	mux.HandleFunc("POST /api/edges", h.CreateEdge)
	mux.HandleFunc("GET /api/stats", h.GetStats)
	mux.HandleFunc("GET /api/metrics", h.GetMetrics)

	// Layout
	mux.HandleFunc("GET /api/layout", h.GetLayout)
	mux.HandleFunc("POST /api/layout/step", h.StepLayout)
	mux.HandleFunc("POST /api/layout/apply", h.ApplyLayout)
	mux.HandleFunc("POST /api/layout/pin", h.PinNode)
	mux.HandleFunc("DELETE /api/layout/pin/{id}", h.UnpinNode)
	mux.HandleFunc("GET /api/render", h.Render)

	// Import / export
	mux.HandleFunc("GET /api/export/{format}", h.Export)
	mux.HandleFunc("POST /api/import", h.Import)

	// Snapshots
	mux.HandleFunc("GET /api/snapshots", h.ListSnapshots)
	mux.HandleFunc("POST /api/snapshots", h.SaveSnapshot)

	// Discovery
	mux.HandleFunc("GET /api/sources", h.ListSources)
	mux.HandleFunc("POST /api/sources/{name}/sync", h.TriggerSource)
	mux.HandleFunc("POST /api/discover", h.TriggerDiscovery)

	if events != nil {
		mux.Handle("GET /events", events)
	}
}
