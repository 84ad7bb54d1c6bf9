package merge

import (
	"strings"

	"netatlas/internal/domain"
	"netatlas/internal/oui"
)

func (e *Engine) applySweep(m *mutation, in parsed, hit *domain.SweepHit) {
	m.update(in.target, func(n *domain.NodeData) {
		n.Touch(m.ts)

		old := n.MAC
		if n.SetMAC(in.mac, m.ts) && old != "" {
			e.log.Info("mac address changed", "node", n.ID, "old", old, "new", in.mac)
		}
		if hit.Vendor != "" {
			n.SetVendor(hit.Vendor, domain.ProvenanceProbe, m.ts)
		} else if in.mac != "" {
			if vendor, ok := oui.LookupVendor(in.mac); ok {
				n.SetVendor(vendor, domain.ProvenanceInferred, m.ts)
			}
		}
		n.SetHostname(cleanHostname(hit.Hostname), sweepHostnameSource(hit.Method), m.ts)
	})

	gw, ok := e.gatewayFor(in.target)
	if !ok {
		return
	}
	// the gateway keeps its own last_seen; it is only created here if missing
	m.node(gw)
	m.edge(gw, in.target, domain.EdgeData{
		Type:      domain.ConnectionLocalSubnet,
		LatencyMs: hit.LatencyMs,
		Upstream:  gw,
		UpdatedAt: m.ts,
	})
}

// sweepHostnameSource ranks a sweep hostname: agents such as SNMP report
// their own name, everything else came from a PTR lookup
func sweepHostnameSource(method string) domain.Provenance {
	switch method {
	case "snmp", "nmap":
		return domain.ProvenanceProbe
	}
	return domain.ProvenanceReverseDNS
}

// gatewayFor returns the configured gateway of the most specific subnet
// containing id, unless id is that gateway
func (e *Engine) gatewayFor(id domain.NodeID) (domain.NodeID, bool) {
	addr := id.Addr()
	best := -1
	var gw domain.NodeID
	for _, g := range e.cfg.Gateways {
		if !g.Subnet.IsValid() || !g.Addr.IsValid() || !g.Subnet.Contains(addr) {
			continue
		}
		if g.Subnet.Bits() > best {
			best = g.Subnet.Bits()
			gw = domain.NewNodeID(g.Addr)
		}
	}
	if best < 0 || gw == id {
		return domain.NodeID{}, false
	}
	return gw, true
}

func (e *Engine) applyMDNS(m *mutation, in parsed, ann *domain.MDNSAnnouncement) {
	m.update(in.target, func(n *domain.NodeData) {
		n.Touch(m.ts)
		n.SetHostname(cleanHostname(ann.Hostname), domain.ProvenanceMDNS, m.ts)
		for _, svc := range ann.Services {
			if svc.Port == 0 {
				continue
			}
			name, proto := splitServiceType(svc.Type)
			if svc.Protocol != "" {
				proto, _ = domain.ParseProtocol(string(svc.Protocol))
			}
			n.UpsertPort(domain.PortInfo{
				Port:     svc.Port,
				Protocol: proto,
				Service:  name,
				Banner:   svc.Instance,
			})
		}
	})
}

// splitServiceType turns "_ipp._tcp" into ("ipp", tcp)
func splitServiceType(t string) (string, domain.Protocol) {
	t = strings.TrimSuffix(strings.TrimSuffix(t, "."), ".local")
	parts := strings.Split(t, ".")
	name := strings.TrimPrefix(parts[0], "_")
	proto := domain.ProtocolTCP
	if len(parts) > 1 && strings.TrimPrefix(parts[len(parts)-1], "_") == "udp" {
		proto = domain.ProtocolUDP
	}
	return name, proto
}

func cleanHostname(h string) string {
	return strings.TrimSuffix(strings.TrimSpace(h), ".")
}

func (e *Engine) applyHop(m *mutation, in parsed, ev *domain.TracerouteHop) {
	hopID := in.hop
	if !hopID.IsValid() && ev.Final {
		hopID = in.target
	}
	hop := domain.Hop{
		TTL:        ev.TTL,
		IP:         hopID,
		Hostname:   cleanHostname(ev.Hostname),
		RTTMs:      ev.RTTMs,
		ObservedAt: m.ts,
	}

	var chain []domain.Hop
	m.update(in.target, func(n *domain.NodeData) {
		n.Touch(m.ts)
		n.SetHop(hop, ev.Final)
		chain = append(chain[:0], n.Hops...)
	})

	if hopID.IsValid() && hopID != in.target {
		m.update(hopID, func(n *domain.NodeData) {
			n.Touch(m.ts)
			n.SetHostname(hop.Hostname, domain.ProvenanceReverseDNS, m.ts)
		})
	}
	if !hopID.IsValid() {
		return
	}
	// a hop superseded by a more recent traceroute adds no links
	if cur, ok := hopAt(chain, ev.TTL); !ok || cur != hop {
		return
	}

	// link to the responding neighbours on the chain
	if prev, ok := hopAt(chain, ev.TTL-1); ok && prev.Responded() {
		m.node(prev.IP)
		m.edge(prev.IP, hopID, hopEdge(prev, hop, m))
	}
	if next, ok := hopAt(chain, ev.TTL+1); ok && next.Responded() {
		m.node(next.IP)
		m.edge(hopID, next.IP, hopEdge(hop, next, m))
	}
	if ev.TTL == 1 && e.cfg.LocalAddr.IsValid() {
		local := domain.NewNodeID(e.cfg.LocalAddr)
		if local != hopID {
			m.node(local)
			m.edge(local, hopID, hopEdge(domain.Hop{TTL: 0, IP: local}, hop, m))
		}
	}
}

func hopAt(chain []domain.Hop, ttl int) (domain.Hop, bool) {
	for _, h := range chain {
		if h.TTL == ttl {
			return h, true
		}
	}
	return domain.Hop{}, false
}

// hopEdge describes the link from an upstream hop to the next one
func hopEdge(up, down domain.Hop, m *mutation) domain.EdgeData {
	data := domain.EdgeData{
		Type:      domain.ConnectionTracerouteHop,
		HopCount:  domain.Int(down.TTL),
		Upstream:  up.IP,
		UpdatedAt: m.ts,
	}
	if down.RTTMs > 0 && (up.RTTMs > 0 || up.TTL == 0) {
		delta := down.RTTMs - up.RTTMs
		if delta < 0 {
			delta = 0
		}
		data.LatencyMs = domain.Float64(delta)
	}
	return data
}

func (e *Engine) applyPorts(m *mutation, in parsed, res *domain.PortScanResult) {
	m.update(in.target, func(n *domain.NodeData) {
		n.Touch(m.ts)
		for _, p := range res.Ports {
			if p.Protocol != "" {
				p.Protocol, _ = domain.ParseProtocol(string(p.Protocol))
			}
			n.UpsertPort(p)
		}
	})
}

func (e *Engine) applyOS(m *mutation, in parsed, fp *domain.OSFingerprint) {
	os := fp.OS
	if os.ObservedAt.IsZero() {
		os.ObservedAt = m.ts
	}
	m.update(in.target, func(n *domain.NodeData) {
		n.Touch(m.ts)
		if !n.AcceptOS(os, e.cfg.OSStaleAfter) {
			e.log.Debug("fingerprint kept", "node", n.ID, "current", n.OS.Accuracy, "offered", os.Accuracy)
			return
		}
		accepted := os
		n.OS = &accepted
	})
}
