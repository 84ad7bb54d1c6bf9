package render

import "netatlas/internal/domain"

// HighlightMode chooses what node colour encodes
type HighlightMode string

const (
	HighlightDeviceType HighlightMode = "device_type"
	HighlightRiskScore  HighlightMode = "risk_score"
	HighlightLatency    HighlightMode = "latency"
)

// ParseHighlightMode validates a highlight mode name
func ParseHighlightMode(s string) (HighlightMode, bool) {
	switch HighlightMode(s) {
	case HighlightDeviceType, HighlightRiskScore, HighlightLatency:
		return HighlightMode(s), true
	}
	return "", false
}

// ViewState is the interactive state of a topology view
type ViewState struct {
	Zoom           float32        `json:"zoom"`
	Pan            domain.Vec2    `json:"pan"`
	Selected       *domain.NodeID `json:"selected,omitempty"`
	Hovered        *domain.NodeID `json:"hovered,omitempty"`
	ShowLabels     bool           `json:"show_labels"`
	ShowEdges      bool           `json:"show_edges"`
	ShowRiskLevels bool           `json:"show_risk_levels"`
	Highlight      HighlightMode  `json:"highlight"`
}

// DefaultViewState is an unzoomed view with every toggle on
func DefaultViewState() ViewState {
	return ViewState{
		Zoom:           1,
		ShowLabels:     true,
		ShowEdges:      true,
		ShowRiskLevels: true,
		Highlight:      HighlightDeviceType,
	}
}

func (v ViewState) isFocused(id domain.NodeID) bool {
	return (v.Selected != nil && *v.Selected == id) || (v.Hovered != nil && *v.Hovered == id)
}

// Policy holds every tunable of the decision layer
type Policy struct {
	Thresholds `yaml:",inline"`
	// TopRisk is how many of the riskiest nodes stay highlighted at Low
	TopRisk int `yaml:"top_risk" json:"top_risk"`
	// MinEdgeScreenLength hides shorter edges at Low, in screen pixels
	MinEdgeScreenLength float64 `yaml:"min_edge_screen_length" json:"min_edge_screen_length"`
	// HighRiskScore marks a node as high risk for labelling and highlighting
	HighRiskScore int `yaml:"high_risk_score" json:"high_risk_score"`
	// AbbreviateAt truncates abbreviated labels to this many characters
	AbbreviateAt int `yaml:"abbreviate_at" json:"abbreviate_at"`
}

// DefaultPolicy returns the stock decision policy
func DefaultPolicy() Policy {
	return Policy{
		Thresholds:          DefaultThresholds(),
		TopRisk:             10,
		MinEdgeScreenLength: 4,
		HighRiskScore:       70,
		AbbreviateAt:        12,
	}
}

// LabelMode controls label text
type LabelMode int

const (
	LabelNone LabelMode = iota
	LabelAbbreviated
	LabelFull
)

// RenderConfig lists which classes of detail a frame emits
type RenderConfig struct {
	Level LODLevel `json:"level"`
	// Labels applies to every node
	Labels LabelMode `json:"labels"`
	// FocusLabels applies to selected, hovered and high-risk nodes when
	// Labels is LabelNone
	FocusLabels LabelMode `json:"focus_labels"`
	ShowEdges   bool      `json:"show_edges"`
	EdgeWidth   float64   `json:"edge_width"`
	// MinEdgeScreenLength hides shorter edges; zero keeps all
	MinEdgeScreenLength float64 `json:"min_edge_screen_length"`
	// ColorByHighlight colours nodes by the view's HighlightMode; otherwise
	// nodes are coloured by device type
	ColorByHighlight bool    `json:"color_by_highlight"`
	RiskRings        bool    `json:"risk_rings"`
	Icons            bool    `json:"icons"`
	NodeRadius       float64 `json:"node_radius"`
	// TopRiskOnly limits risk highlighting to the N riskiest nodes; zero
	// highlights every high-risk node
	TopRiskOnly   int `json:"top_risk_only"`
	HighRiskScore int `json:"high_risk_score"`
	AbbreviateAt  int `json:"abbreviate_at"`
}

// RenderConfigFor derives the detail classes for a level, then applies the
// view toggles. Toggles can only remove detail.
func RenderConfigFor(level LODLevel, view ViewState, p Policy) RenderConfig {
	var c RenderConfig
	switch level {
	case LODHigh:
		c = RenderConfig{
			Labels:           LabelFull,
			FocusLabels:      LabelFull,
			ShowEdges:        true,
			EdgeWidth:        2,
			ColorByHighlight: true,
			RiskRings:        true,
			Icons:            true,
			NodeRadius:       10,
		}
	case LODMedium:
		c = RenderConfig{
			Labels:      LabelNone,
			FocusLabels: LabelAbbreviated,
			ShowEdges:   true,
			EdgeWidth:   1,
			NodeRadius:  6,
		}
	default:
		c = RenderConfig{
			Labels:              LabelNone,
			FocusLabels:         LabelNone,
			ShowEdges:           true,
			EdgeWidth:           0.5,
			MinEdgeScreenLength: p.MinEdgeScreenLength,
			NodeRadius:          3,
			TopRiskOnly:         p.TopRisk,
		}
	}
	c.Level = level
	c.HighRiskScore = p.HighRiskScore
	c.AbbreviateAt = p.AbbreviateAt

	if !view.ShowLabels {
		c.Labels, c.FocusLabels = LabelNone, LabelNone
	}
	if !view.ShowEdges {
		c.ShowEdges = false
	}
	if !view.ShowRiskLevels {
		c.RiskRings = false
	}
	return c
}
