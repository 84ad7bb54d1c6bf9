package classifier

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"netatlas/internal/domain"
)

func tcp(ports ...uint16) []domain.PortInfo {
	out := make([]domain.PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, domain.PortInfo{Port: p, Protocol: domain.ProtocolTCP})
	}
	return out
}

func TestClassify_RuleOrder(t *testing.T) {
	tests := []struct {
		name     string
		ports    []domain.PortInfo
		os       *domain.OSInfo
		vendor   string
		hostname string
		want     domain.DeviceType
	}{
		{
			name:   "os hint beats vendor",
			os:     &domain.OSInfo{Family: "Linux", DeviceType: domain.DeviceTypeFirewall, Accuracy: 95},
			vendor: "Hikvision",
			want:   domain.DeviceTypeFirewall,
		},
		{
			name:   "vendor beats ports",
			ports:  tcp(3306),
			vendor: "Hikvision Digital Technology",
			want:   domain.DeviceTypeCamera,
		},
		{
			name:   "cisco is router family",
			vendor: "Cisco Systems",
			want:   domain.DeviceTypeRouter,
		},
		{
			name:     "hostname beats ports",
			ports:    tcp(22),
			hostname: "printer-2nd-floor.lan",
			want:     domain.DeviceTypePrinter,
		},
		{
			name:     "hostname numbered label",
			hostname: "cam02.office",
			want:     domain.DeviceTypeCamera,
		},
		{
			name:     "hostname keyword must start label",
			hostname: "camden-pc",
			want:     domain.DeviceTypeUnknown,
		},
		{name: "database ports", ports: tcp(22, 5432), want: domain.DeviceTypeDatabase},
		{name: "mail ports", ports: tcp(25, 587), want: domain.DeviceTypeMailServer},
		{name: "camera rtsp", ports: tcp(554, 8000), want: domain.DeviceTypeCamera},
		{name: "router dns and web", ports: tcp(53, 80), want: domain.DeviceTypeRouter},
		{name: "web server", ports: []domain.PortInfo{{Port: 443, Protocol: domain.ProtocolTCP, Service: "https"}}, want: domain.DeviceTypeWebServer},
		{name: "ssh only", ports: tcp(22), want: domain.DeviceTypeServer},
		{name: "printer ipp", ports: tcp(631), want: domain.DeviceTypePrinter},
		{name: "nothing", want: domain.DeviceTypeUnknown},
		{
			name: "os family fallback",
			os:   &domain.OSInfo{Family: "Windows", Accuracy: 90},
			want: domain.DeviceTypeWorkstation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.ports, tt.os, tt.vendor, tt.hostname)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_RiskScore(t *testing.T) {
	t.Run("missing fingerprint raises risk", func(t *testing.T) {
		_, without := Classify(tcp(22), nil, "", "")
		_, with := Classify(tcp(22), &domain.OSInfo{Family: "Linux", Accuracy: 98}, "", "")
		assert.Greater(t, without, with)
	})

	t.Run("accuracy tiers", func(t *testing.T) {
		c := New(DefaultWeights())
		ports := tcp(22)
		low := c.Risk(domain.DeviceTypeServer, ports, &domain.OSInfo{Accuracy: 40})
		mid := c.Risk(domain.DeviceTypeServer, ports, &domain.OSInfo{Accuracy: 70})
		high := c.Risk(domain.DeviceTypeServer, ports, &domain.OSInfo{Accuracy: 90})
		assert.Greater(t, low, mid)
		assert.Greater(t, mid, high)
	})

	t.Run("telnet is penalised", func(t *testing.T) {
		c := New(DefaultWeights())
		os := &domain.OSInfo{Accuracy: 100}
		assert.Greater(t,
			c.Risk(domain.DeviceTypeRouter, tcp(23), os),
			c.Risk(domain.DeviceTypeRouter, tcp(22), os))
	})

	t.Run("rtsp with auth banner is not penalised", func(t *testing.T) {
		c := New(DefaultWeights())
		os := &domain.OSInfo{Accuracy: 100}
		open := c.Risk(domain.DeviceTypeCamera, tcp(554), os)
		authed := c.Risk(domain.DeviceTypeCamera, []domain.PortInfo{{Port: 554, Banner: "RTSP/1.0 401 Unauthorized"}}, os)
		assert.Greater(t, open, authed)
	})

	t.Run("duplicate port across protocols counted once", func(t *testing.T) {
		c := New(DefaultWeights())
		os := &domain.OSInfo{Accuracy: 100}
		once := c.Risk(domain.DeviceTypeIoT, tcp(1900), os)
		twice := c.Risk(domain.DeviceTypeIoT, []domain.PortInfo{
			{Port: 1900, Protocol: domain.ProtocolTCP},
			{Port: 1900, Protocol: domain.ProtocolUDP},
		}, os)
		assert.Equal(t, once, twice)
	})
}

func TestClassify_RiskBounds(t *testing.T) {
	risky := []uint16{21, 23, 139, 161, 445, 554, 1433, 1883, 1900, 3306, 3389, 5432, 5900, 6379, 8000, 8080, 8443, 27017}

	t.Run("every port exposed stays at 100", func(t *testing.T) {
		_, score := Classify(tcp(risky...), nil, "Hikvision", "")
		assert.Equal(t, 100, score)
	})

	t.Run("empty input is in range", func(t *testing.T) {
		_, score := Classify(nil, nil, "", "")
		assert.GreaterOrEqual(t, score, 0)
		assert.LessOrEqual(t, score, 100)
	})

	t.Run("negative weights clamp at zero", func(t *testing.T) {
		c := New(Weights{BaseDefault: -500, Base: map[domain.DeviceType]int{}})
		_, score := c.Classify(tcp(22), &domain.OSInfo{Accuracy: 100}, "", "")
		assert.Equal(t, 0, score)
	})

	t.Run("random combinations", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		vendors := []string{"", "Cisco", "Hikvision", "Synology", "Apple"}
		for i := 0; i < 500; i++ {
			var ports []domain.PortInfo
			for _, p := range risky {
				if rng.Intn(2) == 0 {
					ports = append(ports, domain.PortInfo{Port: p})
				}
			}
			var os *domain.OSInfo
			if rng.Intn(2) == 0 {
				os = &domain.OSInfo{Accuracy: rng.Intn(101)}
			}
			_, score := Classify(ports, os, vendors[rng.Intn(len(vendors))], "")
			if score < 0 || score > 100 {
				t.Fatalf("score %d out of range", score)
			}
		}
	})
}

func TestCategoryOf(t *testing.T) {
	tests := map[domain.DeviceType]Category{
		domain.DeviceTypeRouter:      CategoryRouter,
		domain.DeviceTypeSwitch:      CategoryRouter,
		domain.DeviceTypeFirewall:    CategoryFirewall,
		domain.DeviceTypeDatabase:    CategoryServer,
		domain.DeviceTypeNAS:         CategoryServer,
		domain.DeviceTypeCamera:      CategoryIoT,
		domain.DeviceTypePrinter:     CategoryIoT,
		domain.DeviceTypeWorkstation: CategoryOther,
		domain.DeviceTypeUnknown:     CategoryUnknown,
		"":                           CategoryUnknown,
	}
	for dt, want := range tests {
		assert.Equal(t, want, CategoryOf(dt), "device type %q", dt)
	}
}
