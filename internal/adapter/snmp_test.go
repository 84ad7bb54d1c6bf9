package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"netatlas/internal/domain"
)

// TestFingerprintFromSysDescr tests sysDescr parsing
func TestFingerprintFromSysDescr(t *testing.T) {
	tests := []struct {
		name       string
		descr      string
		family     string
		generation string
		deviceType domain.DeviceType
		ok         bool
	}{
		{
			name:       "cisco ios",
			descr:      "Cisco IOS Software, C2960 Software (C2960-LANBASEK9-M), Version 15.0(2)SE11, RELEASE SOFTWARE (fc3)",
			family:     "IOS",
			generation: "15.0(2)SE11",
			deviceType: domain.DeviceTypeRouter,
			ok:         true,
		},
		{
			name:       "linux kernel",
			descr:      "Linux nas01 5.10.0-21-amd64 #1 SMP Debian 5.10.162-1 x86_64",
			family:     "Linux",
			generation: "5.10.0-21-amd64",
			ok:         true,
		},
		{
			name:       "synology",
			descr:      "Linux DiskStation 4.4.302+ #72806 SMP synology_apollolake_918+",
			family:     "Linux",
			generation: "4.4.302",
			deviceType: domain.DeviceTypeNAS,
			ok:         true,
		},
		{
			name:       "routeros",
			descr:      "RouterOS RB4011iGS+",
			family:     "RouterOS",
			deviceType: domain.DeviceTypeRouter,
			ok:         true,
		},
		{
			name:       "printer",
			descr:      "HP ETHERNET MULTI-ENVIRONMENT,ROM none,JETDIRECT,JD153",
			family:     "embedded",
			deviceType: domain.DeviceTypePrinter,
			ok:         true,
		},
		{name: "empty", descr: "  ", ok: false},
		{name: "unknown", descr: "Acme Widget", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os, ok := fingerprintFromSysDescr(tt.descr)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if os.Family != tt.family {
				t.Errorf("family = %q, want %q", os.Family, tt.family)
			}
			if tt.generation != "" && os.Generation != tt.generation {
				t.Errorf("generation = %q, want %q", os.Generation, tt.generation)
			}
			if os.DeviceType != tt.deviceType {
				t.Errorf("device type = %q, want %q", os.DeviceType, tt.deviceType)
			}
			if os.Accuracy <= 0 || os.Accuracy > 100 {
				t.Errorf("accuracy %d out of range", os.Accuracy)
			}
		})
	}
}

// TestSNMPSource_Sync tests a pass against a fake agent getter
func TestSNMPSource_Sync(t *testing.T) {
	get := func(ctx context.Context, target string, oids []string) (map[string]string, error) {
		if target != "10.0.0.1" {
			return nil, errors.New("timeout")
		}
		return map[string]string{
			oidSysDescr: "Juniper Networks, Inc. srx300 internet router, kernel JUNOS 21.4R3",
			oidSysName:  "edge-fw",
		}, nil
	}
	src := NewSNMPSource([]string{"10.0.0.0/30"}, SNMPConfig{}, get, nil)
	src.now = func() time.Time { return ts0 }
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var c collector
	res, err := src.Sync(context.Background(), c.emit)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Events != 2 || len(c.events) != 2 {
		t.Fatalf("expected 2 events, got %d", res.Events)
	}
	if c.events[0].Kind != domain.EventSweepHit || c.events[0].Sweep.Hostname != "edge-fw" {
		t.Errorf("unexpected first event: %+v", c.events[0])
	}
	os := c.events[1].OSFingerprint.OS
	if os.Family != "Junos" || !os.ObservedAt.Equal(ts0) {
		t.Errorf("unexpected os: %+v", os)
	}
	for _, ev := range c.events {
		if err := ev.Validate(); err != nil {
			t.Errorf("invalid event: %v", err)
		}
	}
}
