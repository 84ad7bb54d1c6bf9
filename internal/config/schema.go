package config

import (
	"time"

	"netatlas/internal/classifier"
	"netatlas/internal/domain"
	"netatlas/internal/layout"
	"netatlas/internal/render"
)

// Config is the root configuration structure
type Config struct {
	Version   int                `yaml:"version"`
	Database  DatabaseConfig     `yaml:"database"`
	Server    ServerConfig       `yaml:"server"`
	Log       LogConfig          `yaml:"log"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Merge     MergeConfig        `yaml:"merge"`
	Layout    LayoutConfig       `yaml:"layout"`
	Render    render.Policy      `yaml:"render"`
	Risk      classifier.Weights `yaml:"risk"`
	Geo       []GeoEntry         `yaml:"geo,omitempty"`
}

// DatabaseConfig holds snapshot store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// Retention is how many snapshots to keep; zero keeps all
	Retention        int      `yaml:"retention"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects log verbosity and format
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DiscoveryConfig holds probe targets and per-source settings
type DiscoveryConfig struct {
	// Targets are CIDR ranges or single addresses
	Targets  []string        `yaml:"targets,omitempty"`
	Gateways []GatewayConfig `yaml:"gateways,omitempty"`
	// AutoDetect fills empty targets and gateways from the host's interfaces
	AutoDetect bool `yaml:"auto_detect"`

	Sweep SweepConfig `yaml:"sweep"`
	Nmap  NmapConfig  `yaml:"nmap"`
	MDNS  MDNSConfig  `yaml:"mdns"`
	SNMP  SNMPConfig  `yaml:"snmp"`
}

// GatewayConfig binds a subnet to its router
type GatewayConfig struct {
	Subnet string `yaml:"subnet"`
	Addr   string `yaml:"addr"`
}

// SourceSettings are the scheduling knobs every probe source shares
type SourceSettings struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst,omitempty"`
}

// SweepConfig configures the ICMP sweep
type SweepConfig struct {
	SourceSettings `yaml:",inline"`
	Workers        int    `yaml:"workers"`
	DNSCacheSize   int    `yaml:"dns_cache_size"`
	ARPPath        string `yaml:"arp_path,omitempty"`
}

// NmapConfig configures the nmap scanner
type NmapConfig struct {
	SourceSettings    `yaml:",inline"`
	Ports             string   `yaml:"ports,omitempty"`
	Timeout           Duration `yaml:"timeout"`
	ServiceDetection  bool     `yaml:"service_detection"`
	OSDetection       bool     `yaml:"os_detection"`
	Traceroute        bool     `yaml:"traceroute"`
	SkipHostDiscovery bool     `yaml:"skip_host_discovery"`
}

// MDNSConfig configures the mDNS listener
type MDNSConfig struct {
	SourceSettings `yaml:",inline"`
	Interface      string   `yaml:"interface,omitempty"`
	Window         Duration `yaml:"window"`
}

// SNMPConfig configures SNMP system group polling
type SNMPConfig struct {
	SourceSettings `yaml:",inline"`
	Community      string   `yaml:"community"`
	Port           uint16   `yaml:"port"`
	Timeout        Duration `yaml:"timeout"`
	Retries        int      `yaml:"retries"`
}

// MergeConfig holds evidence merge policy
type MergeConfig struct {
	OSStaleAfter Duration `yaml:"os_stale_after"`
	// EvictAfter removes nodes unseen this long; zero disables eviction
	EvictAfter    Duration `yaml:"evict_after"`
	EvictInterval Duration `yaml:"evict_interval"`
	// LocalAddr is the observer's own address; empty means auto-detect
	LocalAddr string `yaml:"local_addr,omitempty"`
}

// LayoutConfig selects the layout algorithm and its parameters
type LayoutConfig struct {
	Type          string `yaml:"type"`
	layout.Config `yaml:",inline"`
	StepInterval  Duration `yaml:"step_interval"`
}

// GeoEntry assigns location data to a prefix
type GeoEntry struct {
	Prefix         string `yaml:"prefix"`
	domain.GeoInfo `yaml:",inline"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
