// Package codec encodes graph snapshots for export and import.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

// ErrUnknownFormat is returned by ForFormat for unsupported names
var ErrUnknownFormat = errors.New("unknown format")

// Document is the exchange form of a topology
type Document struct {
	GraphVersion uint64                        `json:"graph_version" yaml:"graph_version"`
	ExportedAt   time.Time                     `json:"exported_at" yaml:"exported_at"`
	Nodes        []domain.NodeData             `json:"nodes" yaml:"nodes"`
	Edges        []domain.Edge                 `json:"edges" yaml:"edges"`
	Positions    map[domain.NodeID]domain.Vec2 `json:"positions,omitempty" yaml:"positions,omitempty"`
}

// NewDocument captures a view and optional positions. Nodes are sorted by
// address and edges by endpoints so exports of the same state are identical.
func NewDocument(v graph.View, positions map[domain.NodeID]domain.Vec2, now time.Time) *Document {
	doc := &Document{
		GraphVersion: v.Version(),
		ExportedAt:   now,
		Nodes:        make([]domain.NodeData, 0, v.NodeCount()),
		Edges:        make([]domain.Edge, 0, v.EdgeCount()),
	}
	v.RangeNodes(func(n domain.NodeData) bool {
		doc.Nodes = append(doc.Nodes, n)
		return true
	})
	v.RangeEdges(func(e domain.Edge) bool {
		doc.Edges = append(doc.Edges, e)
		return true
	})
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID.Less(doc.Nodes[j].ID) })
	sort.Slice(doc.Edges, func(i, j int) bool {
		if doc.Edges[i].A != doc.Edges[j].A {
			return doc.Edges[i].A.Less(doc.Edges[j].A)
		}
		return doc.Edges[i].B.Less(doc.Edges[j].B)
	})

	if len(positions) > 0 {
		doc.Positions = make(map[domain.NodeID]domain.Vec2, len(positions))
		for _, n := range doc.Nodes {
			if p, ok := positions[n.ID]; ok {
				doc.Positions[n.ID] = p
			}
		}
	}
	return doc
}

// Validate checks that every record has an identity, that edges join two
// distinct listed nodes and that no node appears twice
func (d *Document) Validate() error {
	seen := make(map[domain.NodeID]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if !n.ID.IsValid() {
			return fmt.Errorf("node %d: missing id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("node %s: duplicate", n.ID)
		}
		seen[n.ID] = true
	}
	for i, e := range d.Edges {
		switch {
		case !e.A.IsValid() || !e.B.IsValid():
			return fmt.Errorf("edge %d: missing endpoint", i)
		case e.A == e.B:
			return fmt.Errorf("edge %d: %w", i, graph.ErrSelfEdge)
		case !seen[e.A] || !seen[e.B]:
			return fmt.Errorf("edge %s-%s: %w", e.A, e.B, graph.ErrUnknownNode)
		}
	}
	return nil
}

// Importer decodes documents
type Importer interface {
	Parse(r io.Reader) (*Document, error)
	Format() string
}

// Exporter encodes documents
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Format() string
}

// Codec both imports and exports one format
type Codec interface {
	Importer
	Exporter
	ContentType() string
}

// ForFormat returns the codec for a format name
func ForFormat(name string) (Codec, error) {
	switch name {
	case "json":
		return NewJSONCodec(), nil
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}
