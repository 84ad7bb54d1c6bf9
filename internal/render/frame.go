package render

import (
	"math"
	"net/netip"
	"sort"
	"strings"

	"netatlas/internal/classifier"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

// Viewport is the drawing surface size in screen pixels. A zero viewport
// disables culling.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (vp Viewport) contains(p domain.Vec2, margin float64) bool {
	if vp.Width <= 0 || vp.Height <= 0 {
		return true
	}
	return p.X >= -margin && p.Y >= -margin && p.X <= vp.Width+margin && p.Y <= vp.Height+margin
}

// NodeDraw is one node to draw, in screen coordinates
type NodeDraw struct {
	ID     domain.NodeID `json:"id"`
	Pos    domain.Vec2   `json:"pos"`
	Label  string        `json:"label,omitempty"`
	Color  string        `json:"color"`
	Radius float64       `json:"radius"`
	Icon   string        `json:"icon,omitempty"`
	// RiskColor is the colour of the risk ring, empty when none is drawn
	RiskColor string `json:"risk_color,omitempty"`
	Highlight bool   `json:"highlight,omitempty"`
}

// EdgeDraw is one edge to draw, in screen coordinates
type EdgeDraw struct {
	From  domain.NodeID `json:"from"`
	To    domain.NodeID `json:"to"`
	A     domain.Vec2   `json:"a"`
	B     domain.Vec2   `json:"b"`
	Width float64       `json:"width"`
	Color string        `json:"color"`
}

// Frame is the full draw list for one view
type Frame struct {
	Level  LODLevel     `json:"level"`
	Config RenderConfig `json:"config"`
	Nodes  []NodeDraw   `json:"nodes"`
	Edges  []EdgeDraw   `json:"edges"`
	// Culled counts nodes outside the viewport
	Culled int `json:"culled"`
	// Unplaced counts nodes the layout has not positioned yet
	Unplaced int `json:"unplaced"`
}

// ToScreen maps a layout position to screen space for a view
func ToScreen(p domain.Vec2, view ViewState, vp Viewport) domain.Vec2 {
	z := float64(view.Zoom)
	if !(z > 0) || math.IsInf(z, 0) {
		z = 1
	}
	return domain.Vec2{
		X: (p.X+view.Pan.X)*z + vp.Width/2,
		Y: (p.Y+view.Pan.Y)*z + vp.Height/2,
	}
}

// Decide builds the draw list for a view. The level is chosen from the zoom
// and node count, and view toggles only ever remove detail.
func Decide(v graph.View, positions map[domain.NodeID]domain.Vec2, view ViewState, p Policy, vp Viewport) Frame {
	level := FromZoomAndCount(view.Zoom, v.NodeCount(), p.Thresholds)
	cfg := RenderConfigFor(level, view, p)
	f := Frame{Level: level, Config: cfg}

	// best latency seen on any incident edge, for latency colouring
	var nodeLatency map[domain.NodeID]float64
	if cfg.ColorByHighlight && view.Highlight == HighlightLatency {
		nodeLatency = make(map[domain.NodeID]float64)
		v.RangeEdges(func(e domain.Edge) bool {
			if e.Data.LatencyMs == nil {
				return true
			}
			l := *e.Data.LatencyMs
			for _, id := range [2]domain.NodeID{e.A, e.B} {
				if cur, ok := nodeLatency[id]; !ok || l < cur {
					nodeLatency[id] = l
				}
			}
			return true
		})
	}

	var top map[domain.NodeID]bool
	if cfg.TopRiskOnly > 0 {
		top = topRisk(v, cfg.TopRiskOnly)
	}

	screen := make(map[domain.NodeID]domain.Vec2, v.NodeCount())
	visible := make(map[domain.NodeID]bool, v.NodeCount())
	v.RangeNodes(func(n domain.NodeData) bool {
		wp, ok := positions[n.ID]
		if !ok {
			f.Unplaced++
			return true
		}
		sp := ToScreen(wp, view, vp)
		screen[n.ID] = sp
		if !vp.contains(sp, cfg.NodeRadius) {
			f.Culled++
			return true
		}
		visible[n.ID] = true

		focused := view.isFocused(n.ID)
		highRisk := cfg.HighRiskScore > 0 && n.RiskScore >= cfg.HighRiskScore
		nd := NodeDraw{
			ID:     n.ID,
			Pos:    sp,
			Color:  DeviceColor(n.DeviceType),
			Radius: cfg.NodeRadius,
		}
		if cfg.ColorByHighlight {
			switch view.Highlight {
			case HighlightRiskScore:
				nd.Color = RiskColor(n.RiskScore)
			case HighlightLatency:
				l, ok := nodeLatency[n.ID]
				nd.Color = LatencyColor(l, ok)
			}
		}
		if cfg.RiskRings {
			nd.RiskColor = RiskColor(n.RiskScore)
		}
		if cfg.Icons {
			nd.Icon = string(n.DeviceType)
		}

		mode := cfg.Labels
		if mode == LabelNone && (focused || highRisk) {
			mode = cfg.FocusLabels
		}
		switch mode {
		case LabelFull:
			nd.Label = n.Label()
		case LabelAbbreviated:
			nd.Label = Abbreviate(n.Label(), cfg.AbbreviateAt)
		}

		switch {
		case focused:
			nd.Highlight = true
		case !view.ShowRiskLevels:
		case top != nil:
			nd.Highlight = top[n.ID]
		default:
			nd.Highlight = highRisk
		}
		f.Nodes = append(f.Nodes, nd)
		return true
	})

	if !cfg.ShowEdges {
		return f
	}
	v.RangeEdges(func(e domain.Edge) bool {
		a, okA := screen[e.A]
		b, okB := screen[e.B]
		if !okA || !okB || (!visible[e.A] && !visible[e.B]) {
			return true
		}
		if cfg.MinEdgeScreenLength > 0 && a.Dist(b) < cfg.MinEdgeScreenLength {
			return true
		}
		ed := EdgeDraw{From: e.A, To: e.B, A: a, B: b, Width: cfg.EdgeWidth, Color: edgeColor}
		if cfg.ColorByHighlight && view.Highlight == HighlightLatency {
			l, ok := 0.0, e.Data.LatencyMs != nil
			if ok {
				l = *e.Data.LatencyMs
			}
			ed.Color = LatencyColor(l, ok)
		}
		f.Edges = append(f.Edges, ed)
		return true
	})
	return f
}

// topRisk returns the n riskiest nodes with a non-zero score. Ties go to the
// lower address.
func topRisk(v graph.View, n int) map[domain.NodeID]bool {
	type scored struct {
		id   domain.NodeID
		risk int
	}
	var all []scored
	v.RangeNodes(func(nd domain.NodeData) bool {
		if nd.RiskScore > 0 {
			all = append(all, scored{nd.ID, nd.RiskScore})
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].risk != all[j].risk {
			return all[i].risk > all[j].risk
		}
		return all[i].id.Less(all[j].id)
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make(map[domain.NodeID]bool, len(all))
	for _, s := range all {
		out[s.id] = true
	}
	return out
}

// Abbreviate shortens a label to its first DNS label, then to max runes
func Abbreviate(label string, max int) string {
	if i := strings.IndexByte(label, '.'); i > 0 && !isAddr(label) {
		label = label[:i]
	}
	if max <= 0 {
		return label
	}
	r := []rune(label)
	if len(r) <= max {
		return label
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "~"
}

func isAddr(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

const edgeColor = "#90a4ae"

var deviceColors = map[classifier.Category]string{
	classifier.CategoryRouter:   "#1565c0",
	classifier.CategoryFirewall: "#6a1b9a",
	classifier.CategoryServer:   "#00897b",
	classifier.CategoryIoT:      "#f9a825",
	classifier.CategoryOther:    "#546e7a",
	classifier.CategoryUnknown:  "#9e9e9e",
}

// DeviceColor is the palette colour for a device type's category
func DeviceColor(dt domain.DeviceType) string {
	if c, ok := deviceColors[classifier.CategoryOf(dt)]; ok {
		return c
	}
	return deviceColors[classifier.CategoryUnknown]
}

// RiskColor grades a 0..100 risk score from green to red
func RiskColor(score int) string {
	switch {
	case score >= 70:
		return "#c62828"
	case score >= 50:
		return "#ef6c00"
	case score >= 30:
		return "#f9a825"
	}
	return "#2e7d32"
}

// LatencyColor grades a latency in milliseconds. Unknown latency is grey.
func LatencyColor(ms float64, known bool) string {
	switch {
	case !known:
		return "#9e9e9e"
	case ms < 5:
		return "#2e7d32"
	case ms < 50:
		return "#f9a825"
	case ms < 200:
		return "#ef6c00"
	}
	return "#c62828"
}
