package layout

import (
	"math"
	"sort"

	"netatlas/internal/classifier"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

// CircularPositions places every node on one circle in address order. The
// radius grows with node count so neighbours stay about spacing apart.
func CircularPositions(v graph.View, spacing float64) map[domain.NodeID]domain.Vec2 {
	ids := sortedIDs(v)
	out := make(map[domain.NodeID]domain.Vec2, len(ids))
	switch len(ids) {
	case 0:
		return out
	case 1:
		out[ids[0]] = domain.Vec2{}
		return out
	}

	n := float64(len(ids))
	radius := math.Max(spacing, n*spacing/(2*math.Pi))
	for i, id := range ids {
		angle := 2 * math.Pi * float64(i) / n
		out[id] = domain.Vec2{X: radius * math.Cos(angle), Y: radius * math.Sin(angle)}
	}
	return out
}

// HierarchicalPositions lays the graph out as a breadth-first tree from the
// most router-like node of each component. Levels are stacked vertically and
// components are placed side by side.
func HierarchicalPositions(v graph.View, spacing float64) map[domain.NodeID]domain.Vec2 {
	types := make(map[domain.NodeID]domain.DeviceType, v.NodeCount())
	v.RangeNodes(func(n domain.NodeData) bool {
		types[n.ID] = n.DeviceType
		return true
	})
	adj := graph.Adjacency(v)
	for id := range adj {
		sort.Slice(adj[id], func(i, j int) bool { return adj[id][i].Less(adj[id][j]) })
	}

	// candidate roots, best first
	ids := sortedIDs(v)
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := rootRank(types[ids[i]]), rootRank(types[ids[j]])
		if ri != rj {
			return ri > rj
		}
		return len(adj[ids[i]]) > len(adj[ids[j]])
	})

	out := make(map[domain.NodeID]domain.Vec2, len(ids))
	visited := make(map[domain.NodeID]bool, len(ids))
	offsetX := 0.0
	levelGap := spacing * 1.5

	for _, root := range ids {
		if visited[root] {
			continue
		}
		var levels [][]domain.NodeID
		frontier := []domain.NodeID{root}
		visited[root] = true
		for len(frontier) > 0 {
			levels = append(levels, frontier)
			var next []domain.NodeID
			for _, id := range frontier {
				for _, nb := range adj[id] {
					if !visited[nb] {
						visited[nb] = true
						next = append(next, nb)
					}
				}
			}
			frontier = next
		}

		width := 0
		for _, lvl := range levels {
			if len(lvl) > width {
				width = len(lvl)
			}
		}
		for depth, lvl := range levels {
			start := offsetX + float64(width-len(lvl))*spacing/2
			for i, id := range lvl {
				out[id] = domain.Vec2{X: start + float64(i)*spacing, Y: float64(depth) * levelGap}
			}
		}
		offsetX += float64(width+1) * spacing
	}

	// centre horizontally on the origin
	shift := (offsetX - spacing) / 2
	for id, p := range out {
		out[id] = domain.Vec2{X: p.X - shift, Y: p.Y}
	}
	return out
}

// rootRank orders device types by how likely they are to sit at the top of
// the network
func rootRank(dt domain.DeviceType) int {
	switch {
	case dt == domain.DeviceTypeRouter:
		return 3
	case dt == domain.DeviceTypeFirewall:
		return 2
	case classifier.CategoryOf(dt) == classifier.CategoryRouter:
		return 1
	}
	return 0
}
