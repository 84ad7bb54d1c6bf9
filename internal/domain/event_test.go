package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryEvent_Validate(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ev      DiscoveryEvent
		wantErr bool
	}{
		{"valid sweep", NewSweepEvent("10.0.0.1", ts, SweepHit{}), false},
		{"valid hop", NewHopEvent("10.0.0.1", ts, TracerouteHop{TTL: 1}), false},
		{"valid ports", NewPortScanEvent("10.0.0.1", ts, PortInfo{Port: 22}), false},
		{"empty target", NewSweepEvent("", ts, SweepHit{}), true},
		{"zero timestamp", NewSweepEvent("10.0.0.1", time.Time{}, SweepHit{}), true},
		{"no payload", DiscoveryEvent{Kind: EventSweepHit, Target: "10.0.0.1", Timestamp: ts}, true},
		{"kind mismatch", DiscoveryEvent{Kind: EventMDNS, Target: "10.0.0.1", Timestamp: ts, Sweep: &SweepHit{}}, true},
		{"two payloads", DiscoveryEvent{Kind: EventSweepHit, Target: "10.0.0.1", Timestamp: ts, Sweep: &SweepHit{}, MDNS: &MDNSAnnouncement{}}, true},
		{"ttl zero", NewHopEvent("10.0.0.1", ts, TracerouteHop{TTL: 0}), true},
		{"accuracy out of range", NewOSEvent("10.0.0.1", ts, OSInfo{Accuracy: 101}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}
