package domain

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestParseNodeID(t *testing.T) {
	t.Run("v4 mapped addresses collapse", func(t *testing.T) {
		assert.Equal(t, MustNodeID("10.0.0.1"), MustNodeID("::ffff:10.0.0.1"))
	})

	t.Run("rejects garbage and unspecified", func(t *testing.T) {
		for _, in := range []string{"", "not-an-ip", "300.1.1.1", "0.0.0.0", "::"} {
			_, err := ParseNodeID(in)
			assert.Error(t, err, "input %q", in)
		}
	})

	t.Run("zero value is invalid", func(t *testing.T) {
		var id NodeID
		assert.False(t, id.IsValid())
		assert.True(t, id.IsZero())
		assert.False(t, NewNodeID(netip.Addr{}).IsValid())
	})

	t.Run("json map key round trip", func(t *testing.T) {
		in := map[NodeID]int{MustNodeID("192.168.1.1"): 1}
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		assert.JSONEq(t, `{"192.168.1.1":1}`, string(raw))

		var out map[NodeID]int
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, 1, out[MustNodeID("192.168.1.1")])
	})
}

func TestNodeData_Touch(t *testing.T) {
	n := NewNodeData(MustNodeID("10.0.0.5"), base)

	n.Touch(base.Add(time.Hour))
	n.Touch(base.Add(-time.Hour))
	n.Touch(time.Time{})

	assert.Equal(t, base.Add(-time.Hour), n.FirstSeen)
	assert.Equal(t, base.Add(time.Hour), n.LastSeen)
}

func TestNodeData_SetHostname(t *testing.T) {
	tests := []struct {
		name    string
		initial Provenance
		next    Provenance
		at      time.Duration
		want    string
	}{
		{"fills empty", ProvenanceNone, ProvenanceReverseDNS, 0, "new"},
		{"mdns beats reverse dns", ProvenanceReverseDNS, ProvenanceMDNS, 0, "new"},
		{"stronger source wins even when older", ProvenanceReverseDNS, ProvenanceMDNS, -time.Hour, "new"},
		{"reverse dns cannot beat mdns", ProvenanceMDNS, ProvenanceReverseDNS, time.Hour, "old"},
		{"same source refreshes", ProvenanceProbe, ProvenanceProbe, time.Minute, "new"},
		{"same source older ignored", ProvenanceProbe, ProvenanceProbe, -time.Minute, "old"},
		{"same source same instant keeps greater name", ProvenanceProbe, ProvenanceProbe, 0, "old"},
		{"manual always wins", ProvenanceMDNS, ProvenanceManual, 0, "new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NodeData{}
			if tt.initial != ProvenanceNone {
				n.Hostname, n.HostnameSource, n.HostnameSeenAt = "old", tt.initial, base
			}
			n.SetHostname("new", tt.next, base.Add(tt.at))
			assert.Equal(t, tt.want, n.Hostname)
		})
	}

	t.Run("empty name ignored", func(t *testing.T) {
		n := NodeData{Hostname: "kept", HostnameSource: ProvenanceInferred}
		assert.False(t, n.SetHostname("", ProvenanceManual, base))
		assert.Equal(t, "kept", n.Hostname)
	})

	t.Run("seen time only moves forward at equal provenance", func(t *testing.T) {
		n := NodeData{}
		n.SetHostname("nas.lan", ProvenanceReverseDNS, base.Add(time.Hour))
		n.SetHostname("nas.lan", ProvenanceReverseDNS, base)
		assert.Equal(t, base.Add(time.Hour), n.HostnameSeenAt)
	})

	t.Run("either order settles on the newer name", func(t *testing.T) {
		a, b := NodeData{}, NodeData{}
		a.SetHostname("old-name.lan", ProvenanceReverseDNS, base)
		a.SetHostname("new-name.lan", ProvenanceReverseDNS, base.Add(time.Hour))
		b.SetHostname("new-name.lan", ProvenanceReverseDNS, base.Add(time.Hour))
		b.SetHostname("old-name.lan", ProvenanceReverseDNS, base)
		assert.Equal(t, a, b)
		assert.Equal(t, "new-name.lan", b.Hostname)
	})
}

func TestNodeData_SetVendor(t *testing.T) {
	n := NodeData{}
	assert.True(t, n.SetVendor("Apple", ProvenanceInferred, base))
	assert.False(t, n.SetVendor("Cisco", ProvenanceInferred, base.Add(-time.Minute)), "older inferred vendor")
	assert.True(t, n.SetVendor("Synology", ProvenanceProbe, base.Add(-time.Hour)), "scanner outranks inferred")
	assert.False(t, n.SetVendor("Apple", ProvenanceInferred, base.Add(time.Hour)))

	assert.Equal(t, "Synology", n.Vendor)
	assert.Equal(t, ProvenanceProbe, n.VendorSource)
	assert.Equal(t, base.Add(-time.Hour), n.VendorSeenAt)
}

func TestNodeData_SetMAC(t *testing.T) {
	n := NodeData{}
	assert.True(t, n.SetMAC("00:03:93:00:00:01", base))
	assert.False(t, n.SetMAC("00:03:93:00:00:01", base.Add(time.Minute)), "same address is not a change")
	assert.Equal(t, base.Add(time.Minute), n.MACSeenAt)

	assert.False(t, n.SetMAC("b8:27:eb:00:00:01", base), "older address ignored")
	assert.True(t, n.SetMAC("b8:27:eb:00:00:01", base.Add(time.Hour)))
	assert.Equal(t, "b8:27:eb:00:00:01", n.MAC)
	assert.False(t, n.SetMAC("", base.Add(2*time.Hour)))
}

func TestNodeData_UpsertPort(t *testing.T) {
	n := NodeData{}
	n.UpsertPort(PortInfo{Port: 443, Protocol: ProtocolTCP})
	n.UpsertPort(PortInfo{Port: 22, Protocol: ProtocolTCP, Service: "ssh", Version: "OpenSSH 9.6"})
	n.UpsertPort(PortInfo{Port: 53, Protocol: ProtocolUDP})
	n.UpsertPort(PortInfo{Port: 53, Protocol: ProtocolTCP})

	t.Run("keyed by port and protocol", func(t *testing.T) {
		require.Len(t, n.Ports, 4)
		assert.Equal(t, uint16(22), n.Ports[0].Port)
		assert.Equal(t, uint16(443), n.Ports[3].Port)
	})

	t.Run("refine never erases", func(t *testing.T) {
		assert.False(t, n.UpsertPort(PortInfo{Port: 22, Protocol: ProtocolTCP}), "bare upsert reported a change")
		p, ok := n.Port(22, ProtocolTCP)
		require.True(t, ok)
		assert.Equal(t, "ssh", p.Service)
		assert.Equal(t, "OpenSSH 9.6", p.Version)
	})

	t.Run("open ports deduplicated", func(t *testing.T) {
		assert.Equal(t, []int{22, 53, 443}, n.OpenPorts())
	})
}

func TestNodeData_AcceptOS(t *testing.T) {
	n := NodeData{OS: &OSInfo{Family: "Linux", Accuracy: 90, ObservedAt: base}}
	day := 24 * time.Hour

	tests := []struct {
		name       string
		next       OSInfo
		staleAfter time.Duration
		want       bool
	}{
		{"lower accuracy within freshness window", OSInfo{Family: "Windows", Accuracy: 60, ObservedAt: base.Add(time.Hour)}, day, false},
		{"equal accuracy newer", OSInfo{Family: "Linux", Accuracy: 90, ObservedAt: base.Add(time.Hour)}, day, true},
		{"equal accuracy older", OSInfo{Family: "Linux", Accuracy: 90, ObservedAt: base.Add(-time.Hour)}, day, false},
		{"higher accuracy older", OSInfo{Family: "Linux", Accuracy: 95, ObservedAt: base.Add(-time.Hour)}, day, true},
		{"stale fingerprint replaced", OSInfo{Family: "Windows", Accuracy: 60, ObservedAt: base.Add(25 * time.Hour)}, day, true},
		{"staleness disabled", OSInfo{Family: "Windows", Accuracy: 60, ObservedAt: base.Add(25 * time.Hour)}, 0, false},
		{"far older never wins", OSInfo{Family: "Windows", Accuracy: 99, ObservedAt: base.Add(-25 * time.Hour)}, day, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.AcceptOS(tt.next, tt.staleAfter))
		})
	}

	assert.True(t, (NodeData{}).AcceptOS(OSInfo{Accuracy: 1}, 0), "first fingerprint rejected")
}

func TestNodeData_SetHop(t *testing.T) {
	r1 := MustNodeID("10.0.0.1")
	r2 := MustNodeID("172.16.0.1")
	r3 := MustNodeID("172.16.1.1")

	n := NodeData{}
	n.SetHop(Hop{TTL: 1, IP: r1}, false)
	n.SetHop(Hop{TTL: 3, IP: r3}, false)
	n.SetHop(Hop{TTL: 2}, false)

	require.Len(t, n.Hops, 3)
	assert.False(t, n.Hops[1].Responded())

	t.Run("same ttl replaces", func(t *testing.T) {
		n.SetHop(Hop{TTL: 2, IP: r2}, false)
		h, ok := n.HopAt(2)
		require.True(t, ok)
		assert.Equal(t, r2, h.IP)
	})

	t.Run("final hop truncates longer chain", func(t *testing.T) {
		n.SetHop(Hop{TTL: 2, IP: r2}, true)
		assert.Len(t, n.Hops, 2)
		_, ok := n.HopAt(3)
		assert.False(t, ok, "hop 3 should be gone")
		assert.Equal(t, 2, n.FinalHopTTL)
	})

	t.Run("ttl zero rejected", func(t *testing.T) {
		assert.False(t, n.SetHop(Hop{TTL: 0, IP: r1}, false))
	})
}

func TestNodeData_SetHopOrdering(t *testing.T) {
	dst := MustNodeID("8.8.8.8")
	r1 := MustNodeID("10.0.0.1")
	r2 := MustNodeID("172.16.0.1")
	later := base.Add(time.Hour)

	t.Run("older hop beyond the latest final is ignored", func(t *testing.T) {
		n := NodeData{}
		n.SetHop(Hop{TTL: 1, IP: dst, ObservedAt: later}, true)
		assert.False(t, n.SetHop(Hop{TTL: 2, IP: r2, ObservedAt: base}, false))
		assert.False(t, n.SetHop(Hop{TTL: 3, IP: dst, ObservedAt: base}, true))
		require.Len(t, n.Hops, 1)
		assert.Equal(t, 1, n.FinalHopTTL)
		assert.Equal(t, later, n.FinalHopAt)
	})

	t.Run("newer hop beyond the final extends the route", func(t *testing.T) {
		n := NodeData{}
		n.SetHop(Hop{TTL: 1, IP: dst, ObservedAt: base}, true)
		assert.True(t, n.SetHop(Hop{TTL: 2, IP: r2, ObservedAt: later}, false))
		assert.Len(t, n.Hops, 2)
	})

	t.Run("final hop keeps newer hops beyond it", func(t *testing.T) {
		n := NodeData{}
		n.SetHop(Hop{TTL: 3, IP: r2, ObservedAt: later}, false)
		n.SetHop(Hop{TTL: 1, IP: dst, ObservedAt: base}, true)
		assert.Len(t, n.Hops, 2)
	})

	t.Run("older hop does not overwrite its slot", func(t *testing.T) {
		n := NodeData{}
		n.SetHop(Hop{TTL: 1, IP: r1, ObservedAt: later}, false)
		assert.False(t, n.SetHop(Hop{TTL: 1, IP: r2, ObservedAt: base}, false))
		h, _ := n.HopAt(1)
		assert.Equal(t, r1, h.IP)
	})

	t.Run("either order yields the same chain", func(t *testing.T) {
		stale := Hop{TTL: 2, IP: r2, ObservedAt: base}
		final := Hop{TTL: 1, IP: dst, ObservedAt: later}

		a, b := NodeData{}, NodeData{}
		a.SetHop(stale, false)
		a.SetHop(final, true)
		b.SetHop(final, true)
		b.SetHop(stale, false)
		assert.Equal(t, a, b)
		assert.Equal(t, []Hop{final}, b.Hops)
	})
}

func TestNodeData_Absorb(t *testing.T) {
	id := MustNodeID("10.0.0.3")
	cur := NewNodeData(id, base)
	cur.SetHostname("fresh.lan", ProvenanceReverseDNS, base.Add(time.Hour))
	cur.SetMAC("00:03:93:00:00:01", base.Add(time.Hour))

	old := NewNodeData(id, base.Add(-time.Hour))
	old.SetHostname("stale.lan", ProvenanceReverseDNS, base.Add(-time.Hour))
	old.SetMAC("b8:27:eb:00:00:01", base.Add(-time.Hour))
	old.SetHop(Hop{TTL: 1, IP: id, ObservedAt: base}, true)

	cur.Absorb(old, 24*time.Hour)
	assert.Equal(t, "fresh.lan", cur.Hostname)
	assert.Equal(t, "00:03:93:00:00:01", cur.MAC)
	assert.Equal(t, base.Add(-time.Hour), cur.FirstSeen)
	assert.Equal(t, 1, cur.FinalHopTTL)
}

func TestNodeData_Clone(t *testing.T) {
	n := NodeData{
		ID:    MustNodeID("10.0.0.2"),
		OS:    &OSInfo{Family: "Linux"},
		Ports: []PortInfo{{Port: 22, Protocol: ProtocolTCP}},
		Hops:  []Hop{{TTL: 1}},
	}
	c := n.Clone()
	c.OS.Family = "BSD"
	c.Ports[0].Port = 23
	c.Hops[0].TTL = 9

	assert.Equal(t, "Linux", n.OS.Family)
	assert.Equal(t, uint16(22), n.Ports[0].Port)
	assert.Equal(t, 1, n.Hops[0].TTL, "clone shares memory with original")
}
