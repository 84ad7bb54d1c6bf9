package domain

import (
	"fmt"
	"net/netip"
	"sort"
	"time"
)

// NodeID is the stable identity of a host. The zero value is invalid.
type NodeID struct {
	addr netip.Addr
}

// NewNodeID builds a NodeID from an address. IPv4-mapped IPv6 addresses are
// unmapped so that 10.0.0.1 and ::ffff:10.0.0.1 share one identity.
func NewNodeID(addr netip.Addr) NodeID {
	if !addr.IsValid() {
		return NodeID{}
	}
	return NodeID{addr: addr.Unmap().WithZone("")}
}

// ParseNodeID parses a textual IP address into a NodeID
func ParseNodeID(s string) (NodeID, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node address %q: %w", s, err)
	}
	if addr.IsUnspecified() {
		return NodeID{}, fmt.Errorf("parse node address %q: unspecified address", s)
	}
	return NewNodeID(addr), nil
}

// MustNodeID is ParseNodeID for literals in tests and fixtures
func MustNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Addr returns the wrapped address
func (id NodeID) Addr() netip.Addr { return id.addr }

// IsValid reports whether the ID wraps a usable address
func (id NodeID) IsValid() bool { return id.addr.IsValid() }

// IsZero lets encoders treat the zero ID as empty
func (id NodeID) IsZero() bool { return !id.addr.IsValid() }

// Less orders IDs by address
func (id NodeID) Less(other NodeID) bool { return id.addr.Less(other.addr) }

func (id NodeID) String() string {
	if !id.addr.IsValid() {
		return ""
	}
	return id.addr.String()
}

// MarshalText implements encoding.TextMarshaler so NodeID works as a JSON map key
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *NodeID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = NodeID{}
		return nil
	}
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeviceType represents the inferred kind of a discovered host
type DeviceType string

const (
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeAccessPoint DeviceType = "access_point"
	DeviceTypeFirewall    DeviceType = "firewall"
	DeviceTypeServer      DeviceType = "server"
	DeviceTypeWebServer   DeviceType = "web_server"
	DeviceTypeDatabase    DeviceType = "database"
	DeviceTypeMailServer  DeviceType = "mail_server"
	DeviceTypeNAS         DeviceType = "nas"
	DeviceTypeWorkstation DeviceType = "workstation"
	DeviceTypePhone       DeviceType = "phone"
	DeviceTypePrinter     DeviceType = "printer"
	DeviceTypeCamera      DeviceType = "camera"
	DeviceTypeSmartTV     DeviceType = "smart_tv"
	DeviceTypeIoT         DeviceType = "iot"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// Provenance ranks how authoritative the source of a hostname or vendor is.
// A field is only overwritten by a value of equal or higher provenance.
type Provenance int

const (
	ProvenanceNone       Provenance = iota
	ProvenanceInferred              // derived locally, e.g. OUI table lookup
	ProvenanceReverseDNS            // PTR lookup
	ProvenanceProbe                 // reported by an active probe (nmap, SNMP)
	ProvenanceMDNS                  // self-announced by the host
	ProvenanceManual                // set by an operator
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceInferred:
		return "inferred"
	case ProvenanceReverseDNS:
		return "reverse_dns"
	case ProvenanceProbe:
		return "probe"
	case ProvenanceMDNS:
		return "mdns"
	case ProvenanceManual:
		return "manual"
	default:
		return "none"
	}
}

// Protocol is a transport protocol for an open port
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolSCTP Protocol = "sctp"
)

// ParseProtocol normalizes a protocol name, returning false for unknown names
func ParseProtocol(s string) (Protocol, bool) {
	switch s {
	case "tcp", "TCP", "Tcp":
		return ProtocolTCP, true
	case "udp", "UDP", "Udp":
		return ProtocolUDP, true
	case "sctp", "SCTP", "Sctp":
		return ProtocolSCTP, true
	}
	return "", false
}

// PortInfo is one open port on a host, keyed by (Port, Protocol)
type PortInfo struct {
	Port     uint16   `json:"port" yaml:"port"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Service  string   `json:"service,omitempty" yaml:"service,omitempty"`
	Version  string   `json:"version,omitempty" yaml:"version,omitempty"`
	Banner   string   `json:"banner,omitempty" yaml:"banner,omitempty"`
}

// OSInfo is an OS fingerprint result
type OSInfo struct {
	Family     string     `json:"family" yaml:"family"`
	Generation string     `json:"generation,omitempty" yaml:"generation,omitempty"`
	Vendor     string     `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	DeviceType DeviceType `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	Accuracy   int        `json:"accuracy" yaml:"accuracy"` // 0-100
	ObservedAt time.Time  `json:"observed_at" yaml:"observed_at"`
}

// Hop is one traceroute hop on the path to a node. An invalid IP means the
// hop did not answer before the probe timed out.
type Hop struct {
	TTL      int     `json:"ttl" yaml:"ttl"`
	IP       NodeID  `json:"ip,omitzero" yaml:"ip,omitempty"`
	Hostname string  `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	RTTMs    float64 `json:"rtt_ms,omitempty" yaml:"rtt_ms,omitempty"`
	// ObservedAt is the timestamp of the traceroute that reported the hop
	ObservedAt time.Time `json:"observed_at,omitzero" yaml:"observed_at,omitempty"`
}

// Responded reports whether the hop answered
func (h Hop) Responded() bool { return h.IP.IsValid() }

// GeoInfo is the result of an external GeoIP lookup
type GeoInfo struct {
	Country   string  `json:"country,omitempty" yaml:"country,omitempty"`
	City      string  `json:"city,omitempty" yaml:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
	ASN       uint32  `json:"asn,omitempty" yaml:"asn,omitempty"`
	Org       string  `json:"org,omitempty" yaml:"org,omitempty"`
}

// NodeData is everything known about a single host
type NodeData struct {
	ID             NodeID     `json:"id" yaml:"id"`
	MAC            string     `json:"mac,omitempty" yaml:"mac,omitempty"`
	MACSeenAt      time.Time  `json:"mac_seen_at,omitzero" yaml:"mac_seen_at,omitempty"`
	Hostname       string     `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	HostnameSource Provenance `json:"hostname_source,omitempty" yaml:"hostname_source,omitempty"`
	HostnameSeenAt time.Time  `json:"hostname_seen_at,omitzero" yaml:"hostname_seen_at,omitempty"`
	Vendor         string     `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	VendorSource   Provenance `json:"vendor_source,omitempty" yaml:"vendor_source,omitempty"`
	VendorSeenAt   time.Time  `json:"vendor_seen_at,omitzero" yaml:"vendor_seen_at,omitempty"`
	DeviceType     DeviceType `json:"device_type" yaml:"device_type"`
	OS             *OSInfo    `json:"os,omitempty" yaml:"os,omitempty"`
	Ports          []PortInfo `json:"ports,omitempty" yaml:"ports,omitempty"`
	RiskScore      int        `json:"risk_score" yaml:"risk_score"`
	Geo            *GeoInfo   `json:"geo,omitempty" yaml:"geo,omitempty"`
	Hops           []Hop      `json:"hops,omitempty" yaml:"hops,omitempty"`
	FinalHopTTL    int        `json:"final_hop_ttl,omitempty" yaml:"final_hop_ttl,omitempty"`
	FinalHopAt     time.Time  `json:"final_hop_at,omitzero" yaml:"final_hop_at,omitempty"`
	FirstSeen      time.Time  `json:"first_seen" yaml:"first_seen"`
	LastSeen       time.Time  `json:"last_seen" yaml:"last_seen"`
}

// NewNodeData creates a node first observed at ts
func NewNodeData(id NodeID, ts time.Time) NodeData {
	return NodeData{
		ID:         id,
		DeviceType: DeviceTypeUnknown,
		FirstSeen:  ts,
		LastSeen:   ts,
	}
}

// Clone returns a deep copy
func (n NodeData) Clone() NodeData {
	out := n
	if n.OS != nil {
		os := *n.OS
		out.OS = &os
	}
	if n.Geo != nil {
		geo := *n.Geo
		out.Geo = &geo
	}
	if n.Ports != nil {
		out.Ports = append([]PortInfo(nil), n.Ports...)
	}
	if n.Hops != nil {
		out.Hops = append([]Hop(nil), n.Hops...)
	}
	return out
}

// Label returns the best human-readable name for the node
func (n NodeData) Label() string {
	if n.Hostname != "" {
		return n.Hostname
	}
	return n.ID.String()
}

// Touch records an observation at ts, keeping FirstSeen <= LastSeen
// regardless of the order observations arrive in
func (n *NodeData) Touch(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if n.FirstSeen.IsZero() || ts.Before(n.FirstSeen) {
		n.FirstSeen = ts
	}
	if ts.After(n.LastSeen) {
		n.LastSeen = ts
	}
	if n.LastSeen.Before(n.FirstSeen) {
		n.LastSeen = n.FirstSeen
	}
}

// SetMAC records a hardware address observed at ts. An older observation
// never replaces a newer one. Returns true if the address changed.
func (n *NodeData) SetMAC(mac string, ts time.Time) bool {
	src := ProvenanceNone
	if n.MAC != "" {
		src = ProvenanceProbe
	}
	if !supersedes(mac, ProvenanceProbe, ts, n.MAC, src, n.MACSeenAt) {
		return false
	}
	changed := n.MAC != mac
	n.MAC, n.MACSeenAt = mac, ts
	return changed
}

// SetHostname applies a hostname observed at ts if its provenance is at least
// as strong as the current one. At equal provenance an older observation never
// replaces a newer one, and identical timestamps keep the greater name so the
// result does not depend on arrival order. Returns true if the value changed.
func (n *NodeData) SetHostname(name string, src Provenance, ts time.Time) bool {
	if !supersedes(name, src, ts, n.Hostname, n.HostnameSource, n.HostnameSeenAt) {
		return false
	}
	changed := n.Hostname != name || n.HostnameSource != src
	n.Hostname, n.HostnameSource, n.HostnameSeenAt = name, src, ts
	return changed
}

// SetVendor applies a vendor string with the same rule as SetHostname
func (n *NodeData) SetVendor(vendor string, src Provenance, ts time.Time) bool {
	if !supersedes(vendor, src, ts, n.Vendor, n.VendorSource, n.VendorSeenAt) {
		return false
	}
	changed := n.Vendor != vendor || n.VendorSource != src
	n.Vendor, n.VendorSource, n.VendorSeenAt = vendor, src, ts
	return changed
}

func supersedes(next string, src Provenance, ts time.Time, cur string, curSrc Provenance, curAt time.Time) bool {
	switch {
	case next == "" || src < curSrc:
		return false
	case src > curSrc:
		return true
	case ts.Before(curAt):
		return false
	case ts.Equal(curAt):
		return next >= cur
	}
	return true
}

// Port looks up an open port by its key
func (n NodeData) Port(port uint16, proto Protocol) (PortInfo, bool) {
	for _, p := range n.Ports {
		if p.Port == port && p.Protocol == proto {
			return p, true
		}
	}
	return PortInfo{}, false
}

// UpsertPort adds or refines a port entry. Empty fields in p never erase
// known service details. Ports stay sorted by (port, protocol).
func (n *NodeData) UpsertPort(p PortInfo) bool {
	if p.Protocol == "" {
		p.Protocol = ProtocolTCP
	}
	for i := range n.Ports {
		cur := &n.Ports[i]
		if cur.Port != p.Port || cur.Protocol != p.Protocol {
			continue
		}
		before := *cur
		if p.Service != "" {
			cur.Service = p.Service
		}
		if p.Version != "" {
			cur.Version = p.Version
		}
		if p.Banner != "" {
			cur.Banner = p.Banner
		}
		return before != *cur
	}
	n.Ports = append(n.Ports, p)
	sort.Slice(n.Ports, func(i, j int) bool {
		if n.Ports[i].Port != n.Ports[j].Port {
			return n.Ports[i].Port < n.Ports[j].Port
		}
		return n.Ports[i].Protocol < n.Ports[j].Protocol
	})
	return true
}

// OpenPorts returns the distinct open port numbers in ascending order
func (n NodeData) OpenPorts() []int {
	out := make([]int, 0, len(n.Ports))
	for _, p := range n.Ports {
		if len(out) > 0 && out[len(out)-1] == int(p.Port) {
			continue
		}
		out = append(out, int(p.Port))
	}
	return out
}

// AcceptOS decides whether a new fingerprint replaces the current one. A
// fingerprint more than staleAfter newer than the other one always wins;
// otherwise the more accurate one does, and at equal accuracy the more recent.
// A non-positive staleAfter disables the age rule.
func (n NodeData) AcceptOS(next OSInfo, staleAfter time.Duration) bool {
	if n.OS == nil {
		return true
	}
	cur := n.OS
	if staleAfter > 0 && !next.ObservedAt.IsZero() && !cur.ObservedAt.IsZero() {
		age := next.ObservedAt.Sub(cur.ObservedAt)
		if age > staleAfter {
			return true
		}
		if -age > staleAfter {
			return false
		}
	}
	if next.Accuracy != cur.Accuracy {
		return next.Accuracy > cur.Accuracy
	}
	return !next.ObservedAt.Before(cur.ObservedAt)
}

// SetHop records a hop at its TTL position. A slot is only overwritten by a hop
// from a traceroute at least as recent. A final hop (the destination itself)
// drops the older part of the chain beyond it, and hops beyond the most recent
// final TTL that were observed before it are ignored.
func (n *NodeData) SetHop(h Hop, final bool) bool {
	if h.TTL <= 0 {
		return false
	}
	older := !n.FinalHopAt.IsZero() && h.ObservedAt.Before(n.FinalHopAt)
	if older && h.TTL > n.FinalHopTTL {
		return false
	}

	changed := false
	if final && !older {
		if n.FinalHopTTL != h.TTL || !n.FinalHopAt.Equal(h.ObservedAt) {
			changed = true
		}
		n.FinalHopTTL, n.FinalHopAt = h.TTL, h.ObservedAt
		kept := n.Hops[:0]
		for _, cur := range n.Hops {
			if cur.TTL <= h.TTL || cur.ObservedAt.After(h.ObservedAt) {
				kept = append(kept, cur)
			} else {
				changed = true
			}
		}
		n.Hops = kept
	}
	for i := range n.Hops {
		if n.Hops[i].TTL != h.TTL {
			continue
		}
		if n.Hops[i] != h && !h.ObservedAt.Before(n.Hops[i].ObservedAt) {
			n.Hops[i] = h
			changed = true
		}
		return changed
	}
	n.Hops = append(n.Hops, h)
	sort.Slice(n.Hops, func(i, j int) bool { return n.Hops[i].TTL < n.Hops[j].TTL })
	return true
}

// HopAt returns the hop recorded at ttl
func (n NodeData) HopAt(ttl int) (Hop, bool) {
	for _, h := range n.Hops {
		if h.TTL == ttl {
			return h, true
		}
	}
	return Hop{}, false
}

// Absorb overlays another record for the same host onto n. It is the
// coarse-grained merge used when whole records are added (snapshot restore,
// imports); the merge engine applies finer per-event rules.
func (n *NodeData) Absorb(other NodeData, osStaleAfter time.Duration) {
	n.SetMAC(other.MAC, other.MACSeenAt)
	n.SetHostname(other.Hostname, other.HostnameSource, other.HostnameSeenAt)
	n.SetVendor(other.Vendor, other.VendorSource, other.VendorSeenAt)
	if other.DeviceType != "" && other.DeviceType != DeviceTypeUnknown {
		n.DeviceType = other.DeviceType
		n.RiskScore = other.RiskScore
	}
	if other.OS != nil && n.AcceptOS(*other.OS, osStaleAfter) {
		os := *other.OS
		n.OS = &os
	}
	for _, p := range other.Ports {
		n.UpsertPort(p)
	}
	for _, h := range other.Hops {
		n.SetHop(h, other.FinalHopTTL > 0 && h.TTL == other.FinalHopTTL)
	}
	if other.Geo != nil {
		geo := *other.Geo
		n.Geo = &geo
	}
	n.Touch(other.FirstSeen)
	n.Touch(other.LastSeen)
}
