// Package render decides what to draw for a topology view. It does no drawing
// itself: given a graph, layout positions, and view state it produces a Frame
// listing the nodes, edges, labels and colours a front end should emit.
package render

import (
	"fmt"
	"math"
)

// LODLevel is the level of detail for a frame. Higher is more detailed.
type LODLevel int

const (
	LODLow LODLevel = iota
	LODMedium
	LODHigh
)

func (l LODLevel) String() string {
	switch l {
	case LODLow:
		return "low"
	case LODMedium:
		return "medium"
	case LODHigh:
		return "high"
	}
	return fmt.Sprintf("LODLevel(%d)", int(l))
}

func (l LODLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Thresholds tunes level selection
type Thresholds struct {
	// LowZoom is the zoom below which a medium graph drops to Low
	LowZoom float32 `yaml:"low_zoom" json:"low_zoom"`
	// HighZoom is the zoom at or above which detail is raised
	HighZoom float32 `yaml:"high_zoom" json:"high_zoom"`
	// SmallGraph is the node count below which everything renders at High
	SmallGraph int `yaml:"small_graph" json:"small_graph"`
	// LargeGraph is the node count above which detail is capped
	LargeGraph int `yaml:"large_graph" json:"large_graph"`
}

// DefaultThresholds returns the stock level thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{LowZoom: 0.5, HighZoom: 1.5, SmallGraph: 50, LargeGraph: 500}
}

// FromZoomAndCount selects the detail level. The result never increases when
// zoom decreases or node count increases.
//
//	count < SmallGraph                      High
//	zoom not a positive number              Low
//	zoom >= HighZoom, count <= LargeGraph   High
//	zoom >= HighZoom, count > LargeGraph    Medium
//	zoom < LowZoom or count > LargeGraph    Low
//	otherwise                               Medium
func FromZoomAndCount(zoom float32, nodeCount int, t Thresholds) LODLevel {
	if nodeCount < t.SmallGraph {
		return LODHigh
	}
	if math.IsNaN(float64(zoom)) || zoom <= 0 {
		return LODLow
	}
	if zoom >= t.HighZoom {
		if nodeCount <= t.LargeGraph {
			return LODHigh
		}
		return LODMedium
	}
	if zoom < t.LowZoom || nodeCount > t.LargeGraph {
		return LODLow
	}
	return LODMedium
}
