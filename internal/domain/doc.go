// Package domain defines the core domain types for the netatlas topology engine.
//
// This package contains the entities and value objects shared by every other
// layer: discovered hosts, the links between them, probe observations, and the
// events that carry those observations into the merge engine.
//
// # Core Types
//
// NodeID is the stable identity of a host. It wraps an IP address and is the
// only key the graph uses for nodes; two observations of the same address always
// resolve to the same NodeID.
//
// NodeData holds everything known about a host (MAC, hostname, vendor, open
// ports, OS fingerprint, traceroute chain, risk score). Fields are refined as new
// evidence arrives and are never silently dropped.
//
// EdgeData describes a link between two hosts. Its ConnectionType is ordered so
// that more specific evidence upgrades a link and weaker evidence never
// downgrades it.
//
// # Discovery Events
//
// DiscoveryEvent is the tagged union produced by probe sources (subnet sweep,
// mDNS, traceroute, port scan, OS fingerprint). Exactly one payload is set and
// it must match the event Kind. Addresses are carried as reported by the probe
// and validated at the merge boundary.
//
// # Presentation
//
// Vec2 is a framework-neutral 2D vector used by the layout engine and the
// renderer. Positions are never stored inside NodeData.
//
// # Design Principles
//
// - Value types that copy cleanly (Clone for the few slices and pointers)
// - No database or external dependencies
// - Pure domain logic without infrastructure concerns
package domain
