package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"netatlas/internal/adapter"
	"netatlas/internal/codec"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
	"netatlas/internal/layout"
	"netatlas/internal/render"
	"netatlas/internal/repository"
	"netatlas/internal/service"
)

// maxStepIterations bounds one layout step request
const maxStepIterations = 1000

// SourceRegistry is the part of the probe registry the API drives
type SourceRegistry interface {
	ListSources() []adapter.SourceInfo
	TriggerSync(ctx context.Context, name string) (adapter.SyncResult, error)
	TriggerSyncAll(ctx context.Context) error
}

// GraphHandler handles topology API requests
type GraphHandler struct {
	svc     *service.TopologyService
	sources SourceRegistry
	logger  *slog.Logger
	// background probe passes run under this context
	baseCtx context.Context
}

// NewGraphHandler creates a new graph handler
func NewGraphHandler(svc *service.TopologyService, logger *slog.Logger) *GraphHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphHandler{
		svc:     svc,
		logger:  logger.With("component", "http"),
		baseCtx: context.Background(),
	}
}

// SetSourceRegistry sets the probe registry
func (h *GraphHandler) SetSourceRegistry(r SourceRegistry) {
	h.sources = r
}

// SetBaseContext sets the context background probe passes run under
func (h *GraphHandler) SetBaseContext(ctx context.Context) {
	h.baseCtx = ctx
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// GetGraph returns the complete graph with positions
func (h *GraphHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Document(), http.StatusOK)
}

// NodeResponse is a node with its neighbours
type NodeResponse struct {
	Node      domain.NodeData `json:"node"`
	Neighbors []domain.NodeID `json:"neighbors"`
	Position  *domain.Vec2    `json:"position,omitempty"`
}

// GetNode returns a single node
func (h *GraphHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r.PathValue("id"))
	if !ok {
		return
	}
	node, found := h.svc.Node(id)
	if !found {
		h.writeError(w, "Not found", "no node "+id.String(), http.StatusNotFound)
		return
	}
	resp := NodeResponse{Node: node, Neighbors: h.svc.Neighbors(id)}
	if resp.Neighbors == nil {
		resp.Neighbors = []domain.NodeID{}
	}
	if p, ok := h.svc.Positions()[id]; ok {
		resp.Position = &p
	}
	h.writeJSON(w, resp, http.StatusOK)
}

// GetStats returns aggregate topology statistics
func (h *GraphHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Stats(), http.StatusOK)
}

// GetMetrics returns merge engine counters
func (h *GraphHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Metrics(), http.StatusOK)
}

// GetLayout returns the layout state and positions
func (h *GraphHandler) GetLayout(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Layout(), http.StatusOK)
}

// StepRequest asks for a number of layout iterations
type StepRequest struct {
	Iterations int `json:"iterations"`
}

// StepLayout advances the simulation
func (h *GraphHandler) StepLayout(w http.ResponseWriter, r *http.Request) {
	req := StepRequest{Iterations: 1}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Iterations < 1 || req.Iterations > maxStepIterations {
		h.writeError(w, "Invalid iterations", "iterations must be between 1 and "+strconv.Itoa(maxStepIterations), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, h.svc.StepLayout(req.Iterations), http.StatusOK)
}

// ApplyRequest selects a layout algorithm
type ApplyRequest struct {
	Type string `json:"type"`
}

// ApplyLayout switches the layout algorithm
func (h *GraphHandler) ApplyLayout(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	kind, ok := layout.ParseType(req.Type)
	if !ok {
		h.writeError(w, "Unknown layout", "expected force, circular or hierarchical", http.StatusBadRequest)
		return
	}
	h.svc.ApplyLayout(kind)
	h.writeJSON(w, h.svc.Layout(), http.StatusOK)
}

// PinRequest fixes a node at a position
type PinRequest struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// PinNode pins a node
func (h *GraphHandler) PinNode(w http.ResponseWriter, r *http.Request) {
	var req PinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	id, ok := h.nodeID(w, req.ID)
	if !ok {
		return
	}
	if err := h.svc.Pin(id, domain.Vec2{X: req.X, Y: req.Y}); err != nil {
		h.writeServiceError(w, "Failed to pin node", err)
		return
	}
	h.writeJSON(w, req, http.StatusOK)
}

// UnpinNode releases a pinned node
func (h *GraphHandler) UnpinNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r.PathValue("id"))
	if !ok {
		return
	}
	h.svc.Unpin(id)
	w.WriteHeader(http.StatusNoContent)
}

// LinkRequest names the endpoints of a manual edge
type LinkRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

// CreateEdge adds a manual link between two known nodes
func (h *GraphHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	a, ok := h.nodeID(w, req.A)
	if !ok {
		return
	}
	b, ok := h.nodeID(w, req.B)
	if !ok {
		return
	}
	if err := h.svc.Link(a, b); err != nil {
		h.writeServiceError(w, "Failed to link nodes", err)
		return
	}
	h.writeJSON(w, req, http.StatusCreated)
}

// Render returns the draw list for a view described by query parameters:
// zoom, pan_x, pan_y, w, h, highlight, selected, hovered, labels, edges, risk
func (h *GraphHandler) Render(w http.ResponseWriter, r *http.Request) {
	view, vp, err := parseView(r)
	if err != nil {
		h.writeError(w, "Invalid view", err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, h.svc.Render(view, vp), http.StatusOK)
}

func parseView(r *http.Request) (render.ViewState, render.Viewport, error) {
	q := r.URL.Query()
	view := render.DefaultViewState()
	var vp render.Viewport

	floats := []struct {
		key string
		dst *float64
	}{
		{"pan_x", &view.Pan.X},
		{"pan_y", &view.Pan.Y},
		{"w", &vp.Width},
		{"h", &vp.Height},
	}
	for _, f := range floats {
		if v := q.Get(f.key); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
				return view, vp, errors.New(f.key + " must be a finite number")
			}
			*f.dst = n
		}
	}
	if v := q.Get("zoom"); v != "" {
		z, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return view, vp, errors.New("zoom must be a number")
		}
		view.Zoom = float32(z)
	}
	if v := q.Get("highlight"); v != "" {
		mode, ok := render.ParseHighlightMode(v)
		if !ok {
			return view, vp, errors.New("unknown highlight mode " + v)
		}
		view.Highlight = mode
	}
	for key, dst := range map[string]**domain.NodeID{"selected": &view.Selected, "hovered": &view.Hovered} {
		if v := q.Get(key); v != "" {
			id, err := domain.ParseNodeID(v)
			if err != nil {
				return view, vp, err
			}
			*dst = &id
		}
	}
	for key, dst := range map[string]*bool{"labels": &view.ShowLabels, "edges": &view.ShowEdges, "risk": &view.ShowRiskLevels} {
		if v := q.Get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return view, vp, errors.New(key + " must be a boolean")
			}
			*dst = b
		}
	}
	return view, vp, nil
}

// Export writes the graph in the format named by the path
func (h *GraphHandler) Export(w http.ResponseWriter, r *http.Request) {
	c, err := codec.ForFormat(r.PathValue("format"))
	if err != nil {
		h.writeError(w, "Unsupported format", err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=topology."+c.Format())
	if err := c.Export(h.svc.Document(), w); err != nil {
		// headers are already out
		h.logger.Error("export failed", "format", c.Format(), "err", err)
	}
}

// Import merges a document into the graph. The format comes from the
// format query parameter and defaults to json.
func (h *GraphHandler) Import(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	c, err := codec.ForFormat(format)
	if err != nil {
		h.writeError(w, "Unsupported format", err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := c.Parse(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		h.writeError(w, "Invalid document", err.Error(), http.StatusBadRequest)
		return
	}
	skipped, err := h.svc.Import(doc)
	if err != nil {
		h.writeError(w, "Failed to import", err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, map[string]int{
		"nodes":   len(doc.Nodes),
		"edges":   len(doc.Edges),
		"skipped": skipped,
	}, http.StatusOK)
}

// ListSnapshots lists stored snapshots, newest first
func (h *GraphHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, "Invalid limit", "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.svc.Snapshots(r.Context(), limit)
	if err != nil {
		h.logger.Error("list snapshots failed", "err", err)
		h.writeError(w, "Failed to list snapshots", err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []repository.SnapshotInfo{}
	}
	h.writeJSON(w, list, http.StatusOK)
}

// SaveSnapshot stores a snapshot now
func (h *GraphHandler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Save(r.Context())
	if err != nil {
		h.logger.Error("save snapshot failed", "err", err)
		h.writeError(w, "Failed to save snapshot", err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, info, http.StatusCreated)
}

// ListSources lists registered probe sources
func (h *GraphHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	if h.sources == nil {
		h.writeJSON(w, []adapter.SourceInfo{}, http.StatusOK)
		return
	}
	h.writeJSON(w, h.sources.ListSources(), http.StatusOK)
}

// TriggerSource starts one probe pass of a source in the background
func (h *GraphHandler) TriggerSource(w http.ResponseWriter, r *http.Request) {
	if h.sources == nil {
		h.writeError(w, "Discovery not configured", "No probe sources are registered", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	var info *adapter.SourceInfo
	for _, s := range h.sources.ListSources() {
		if s.Name == name {
			info = &s
			break
		}
	}
	switch {
	case info == nil:
		h.writeError(w, "Not found", adapter.ErrUnknownSource.Error()+" "+name, http.StatusNotFound)
		return
	case !info.Enabled:
		h.writeError(w, "Source disabled", name+" is disabled", http.StatusConflict)
		return
	case info.Busy:
		h.writeError(w, "Source busy", adapter.ErrSyncInProgress.Error(), http.StatusConflict)
		return
	}

	go func() {
		if _, err := h.sources.TriggerSync(h.baseCtx, name); err != nil {
			h.logger.Warn("probe pass failed", "source", name, "err", err)
		}
	}()
	h.writeJSON(w, map[string]string{"status": "sync_started", "source": name}, http.StatusAccepted)
}

// TriggerDiscovery starts one pass of every enabled source in the background
func (h *GraphHandler) TriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	if h.sources == nil {
		h.writeError(w, "Discovery not configured", "No probe sources are registered", http.StatusServiceUnavailable)
		return
	}
	go func() {
		if err := h.sources.TriggerSyncAll(h.baseCtx); err != nil {
			h.logger.Warn("discovery pass failed", "err", err)
		}
	}()
	h.writeJSON(w, map[string]string{"status": "discovery_triggered"}, http.StatusAccepted)
}

// Helper methods

func (h *GraphHandler) nodeID(w http.ResponseWriter, raw string) (domain.NodeID, bool) {
	id, err := domain.ParseNodeID(raw)
	if err != nil {
		h.writeError(w, "Invalid node ID", err.Error(), http.StatusBadRequest)
		return domain.NodeID{}, false
	}
	return id, true
}

// writeServiceError maps graph errors onto status codes
func (h *GraphHandler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, graph.ErrUnknownNode):
		h.writeError(w, msg, err.Error(), http.StatusNotFound)
	default:
		h.writeError(w, msg, err.Error(), http.StatusBadRequest)
	}
}

func (h *GraphHandler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON", "err", err)
	}
}

func (h *GraphHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}
