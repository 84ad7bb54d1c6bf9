package domain

import (
	"errors"
	"fmt"
	"time"
)

// EventKind tags the payload carried by a DiscoveryEvent
type EventKind string

const (
	EventSweepHit      EventKind = "sweep_hit"
	EventMDNS          EventKind = "mdns_announcement"
	EventTracerouteHop EventKind = "traceroute_hop"
	EventPortScan      EventKind = "port_scan"
	EventOSFingerprint EventKind = "os_fingerprint"
)

// DiscoveryEvent is one observation from a probe source. Exactly one payload
// pointer is non-nil and it matches Kind.
type DiscoveryEvent struct {
	Kind      EventKind `json:"kind"`
	Target    string    `json:"target"` // address as reported by the probe
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`

	Sweep         *SweepHit         `json:"sweep,omitempty"`
	MDNS          *MDNSAnnouncement `json:"mdns,omitempty"`
	Hop           *TracerouteHop    `json:"hop,omitempty"`
	PortScan      *PortScanResult   `json:"port_scan,omitempty"`
	OSFingerprint *OSFingerprint    `json:"os_fingerprint,omitempty"`
}

// SweepHit reports a host answering a subnet sweep
type SweepHit struct {
	MAC       string   `json:"mac,omitempty"`
	Vendor    string   `json:"vendor,omitempty"` // vendor reported by the probe, if any
	Hostname  string   `json:"hostname,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	Method    string   `json:"method,omitempty"` // icmp, arp, tcp
}

// MDNSService is one advertised service instance
type MDNSService struct {
	Instance string            `json:"instance"`
	Type     string            `json:"type"` // e.g. _http._tcp
	Port     uint16            `json:"port,omitempty"`
	Protocol Protocol          `json:"protocol,omitempty"`
	TXT      map[string]string `json:"txt,omitempty"`
}

// MDNSAnnouncement reports a self-announced hostname and its services
type MDNSAnnouncement struct {
	Hostname string        `json:"hostname,omitempty"`
	Services []MDNSService `json:"services,omitempty"`
}

// TracerouteHop reports one hop on the path to Target
type TracerouteHop struct {
	TTL      int     `json:"ttl"`
	HopAddr  string  `json:"hop_addr,omitempty"` // empty when the hop timed out
	Hostname string  `json:"hostname,omitempty"`
	RTTMs    float64 `json:"rtt_ms,omitempty"`
	// Final marks the hop that reached the target itself
	Final bool `json:"final,omitempty"`
}

// PortScanResult reports open ports. Ports absent here are not closed.
type PortScanResult struct {
	Ports []PortInfo `json:"ports"`
}

// OSFingerprint reports an OS detection result
type OSFingerprint struct {
	OS OSInfo `json:"os"`
}

// ErrMalformedEvent is returned by Validate
var ErrMalformedEvent = errors.New("malformed discovery event")

// Validate checks the structural shape of the event. Address parsing is left
// to the consumer.
func (e DiscoveryEvent) Validate() error {
	if e.Target == "" {
		return fmt.Errorf("%w: empty target", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}

	set := 0
	var match bool
	if e.Sweep != nil {
		set++
		match = e.Kind == EventSweepHit
	}
	if e.MDNS != nil {
		set++
		match = e.Kind == EventMDNS
	}
	if e.Hop != nil {
		set++
		match = e.Kind == EventTracerouteHop
	}
	if e.PortScan != nil {
		set++
		match = e.Kind == EventPortScan
	}
	if e.OSFingerprint != nil {
		set++
		match = e.Kind == EventOSFingerprint
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrMalformedEvent, set)
	}
	if !match {
		return fmt.Errorf("%w: payload does not match kind %q", ErrMalformedEvent, e.Kind)
	}

	switch {
	case e.Hop != nil && e.Hop.TTL <= 0:
		return fmt.Errorf("%w: ttl %d", ErrMalformedEvent, e.Hop.TTL)
	case e.OSFingerprint != nil && (e.OSFingerprint.OS.Accuracy < 0 || e.OSFingerprint.OS.Accuracy > 100):
		return fmt.Errorf("%w: os accuracy %d", ErrMalformedEvent, e.OSFingerprint.OS.Accuracy)
	}
	return nil
}

// NewSweepEvent builds a sweep hit event
func NewSweepEvent(target string, ts time.Time, hit SweepHit) DiscoveryEvent {
	return DiscoveryEvent{Kind: EventSweepHit, Target: target, Timestamp: ts, Sweep: &hit}
}

// NewMDNSEvent builds an mDNS announcement event
func NewMDNSEvent(target string, ts time.Time, ann MDNSAnnouncement) DiscoveryEvent {
	return DiscoveryEvent{Kind: EventMDNS, Target: target, Timestamp: ts, MDNS: &ann}
}

// NewHopEvent builds a traceroute hop event
func NewHopEvent(target string, ts time.Time, hop TracerouteHop) DiscoveryEvent {
	return DiscoveryEvent{Kind: EventTracerouteHop, Target: target, Timestamp: ts, Hop: &hop}
}

// NewPortScanEvent builds a port scan event
func NewPortScanEvent(target string, ts time.Time, ports ...PortInfo) DiscoveryEvent {
	return DiscoveryEvent{Kind: EventPortScan, Target: target, Timestamp: ts, PortScan: &PortScanResult{Ports: ports}}
}

// NewOSEvent builds an OS fingerprint event
func NewOSEvent(target string, ts time.Time, os OSInfo) DiscoveryEvent {
	return DiscoveryEvent{Kind: EventOSFingerprint, Target: target, Timestamp: ts, OSFingerprint: &OSFingerprint{OS: os}}
}
