// Package config provides configuration management for netatlas.
//
// The config file holds what the operator decides: probe targets, gateways,
// merge policy, layout and render tuning. The snapshot store holds what was
// discovered and can be wiped without losing settings.
//
// Config file locations (priority order):
//  1. $NETATLAS_CONFIG
//  2. ./netatlas.yaml
//  3. $XDG_CONFIG_HOME/netatlas/config.yaml
//  4. ~/.config/netatlas/config.yaml
//  5. /etc/netatlas/config.yaml
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"netatlas/internal/adapter"
	"netatlas/internal/classifier"
	"netatlas/internal/geo"
	"netatlas/internal/layout"
	"netatlas/internal/logger"
	"netatlas/internal/merge"
	"netatlas/internal/netenv"
	"netatlas/internal/render"
	"netatlas/internal/service"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path. Keys missing from the file
// keep their defaults.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes and validates a config document over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			Path:             "./netatlas.db",
			Retention:        20,
			SnapshotInterval: Duration(5 * time.Minute),
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: string(logger.FormatAuto)},
		Discovery: DiscoveryConfig{
			AutoDetect: true,
			Sweep: SweepConfig{
				SourceSettings: SourceSettings{Enabled: true, Interval: Duration(5 * time.Minute), RatePerSecond: 50},
				Workers:        64,
				DNSCacheSize:   1024,
			},
			Nmap: NmapConfig{
				SourceSettings:   SourceSettings{Interval: Duration(time.Hour), RatePerSecond: 5},
				Timeout:          Duration(10 * time.Minute),
				ServiceDetection: true,
			},
			MDNS: MDNSConfig{
				SourceSettings: SourceSettings{Enabled: true, Interval: Duration(10 * time.Minute)},
				Window:         Duration(3 * time.Second),
			},
			SNMP: SNMPConfig{
				SourceSettings: SourceSettings{Interval: Duration(30 * time.Minute), RatePerSecond: 20},
				Community:      "public",
				Port:           161,
				Timeout:        Duration(2 * time.Second),
				Retries:        1,
			},
		},
		Merge: MergeConfig{
			OSStaleAfter:  Duration(24 * time.Hour),
			EvictAfter:    Duration(7 * 24 * time.Hour),
			EvictInterval: Duration(time.Minute),
		},
		Layout: LayoutConfig{
			Type:         string(layout.ForceDirected),
			Config:       layout.DefaultConfig(),
			StepInterval: Duration(50 * time.Millisecond),
		},
		Render: render.DefaultPolicy(),
		Risk:   classifier.DefaultWeights(),
	}
}

// applyDefaults repairs values a file can only have zeroed by mistake
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Layout.Type == "" {
		c.Layout.Type = d.Layout.Type
	}
	if c.Layout.StepInterval <= 0 {
		c.Layout.StepInterval = d.Layout.StepInterval
	}
	if c.Merge.EvictInterval <= 0 {
		c.Merge.EvictInterval = d.Merge.EvictInterval
	}
	if c.Risk.Base == nil {
		c.Risk.Base = d.Risk.Base
	}
}

// Validate checks addresses, names and ranges
func (c *Config) Validate() error {
	var errs []error
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if _, ok := logger.ParseFormat(c.Log.Format); !ok {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	for _, t := range c.Discovery.Targets {
		if !isTarget(t) {
			errs = append(errs, fmt.Errorf("discovery.targets: %q is not an address or CIDR range", t))
		}
	}
	if _, err := c.gateways(); err != nil {
		errs = append(errs, err)
	}
	if c.Merge.LocalAddr != "" {
		if _, err := netip.ParseAddr(c.Merge.LocalAddr); err != nil {
			errs = append(errs, fmt.Errorf("merge.local_addr: %w", err))
		}
	}
	if _, ok := layout.ParseType(c.Layout.Type); !ok {
		errs = append(errs, fmt.Errorf("layout.type: unknown layout %q", c.Layout.Type))
	}
	if th := c.Render.Thresholds; th.LowZoom > th.HighZoom || th.SmallGraph > th.LargeGraph {
		errs = append(errs, errors.New("render: low thresholds must not exceed high thresholds"))
	}
	if c.Database.Retention < 0 {
		errs = append(errs, errors.New("database.retention must not be negative"))
	}
	if _, err := c.GeoTable(); err != nil {
		errs = append(errs, fmt.Errorf("geo: %w", err))
	}
	return errors.Join(errs...)
}

func isTarget(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func (c *Config) gateways() ([]merge.Gateway, error) {
	out := make([]merge.Gateway, 0, len(c.Discovery.Gateways))
	for i, g := range c.Discovery.Gateways {
		subnet, err := netip.ParsePrefix(g.Subnet)
		if err != nil {
			return nil, fmt.Errorf("discovery.gateways[%d].subnet: %w", i, err)
		}
		addr, err := netip.ParseAddr(g.Addr)
		if err != nil {
			return nil, fmt.Errorf("discovery.gateways[%d].addr: %w", i, err)
		}
		if !subnet.Contains(addr) {
			return nil, fmt.Errorf("discovery.gateways[%d]: %s is outside %s", i, addr, subnet)
		}
		out = append(out, merge.Gateway{Subnet: subnet.Masked(), Addr: addr})
	}
	return out, nil
}

// ApplyEnvironment fills empty targets, gateways and the local address from
// the detected network when auto-detection is on
func (c *Config) ApplyEnvironment(env netenv.Environment) {
	if !c.Discovery.AutoDetect {
		return
	}
	if len(c.Discovery.Targets) == 0 {
		c.Discovery.Targets = env.ScanTargets()
	}
	if len(c.Discovery.Gateways) == 0 {
		for _, g := range env.Gateways() {
			c.Discovery.Gateways = append(c.Discovery.Gateways, GatewayConfig{Subnet: g.Subnet.String(), Addr: g.Addr.String()})
		}
	}
	if c.Merge.LocalAddr == "" {
		if a := env.LocalAddr(); a.IsValid() {
			c.Merge.LocalAddr = a.String()
		}
	}
}

// MergeConfig converts the merge policy. Call Validate first.
func (c *Config) MergeConfig() merge.Config {
	cfg := merge.DefaultConfig()
	cfg.Gateways, _ = c.gateways()
	if c.Merge.LocalAddr != "" {
		cfg.LocalAddr, _ = netip.ParseAddr(c.Merge.LocalAddr)
	}
	cfg.OSStaleAfter = c.Merge.OSStaleAfter.Duration()
	cfg.EvictAfter = c.Merge.EvictAfter.Duration()
	cfg.Weights = c.Risk
	return cfg
}

// LayoutType returns the configured algorithm
func (c *Config) LayoutType() layout.Type {
	t, ok := layout.ParseType(c.Layout.Type)
	if !ok {
		return layout.ForceDirected
	}
	return t
}

// ServiceOptions converts loop timings and the render policy
func (c *Config) ServiceOptions() service.Options {
	opts := service.DefaultOptions()
	opts.LayoutInterval = c.Layout.StepInterval.Duration()
	opts.EvictInterval = c.Merge.EvictInterval.Duration()
	opts.SnapshotInterval = c.Database.SnapshotInterval.Duration()
	opts.Policy = c.Render
	return opts
}

// GeoTable builds the location table; nil when no entries are configured
func (c *Config) GeoTable() (*geo.Table, error) {
	if len(c.Geo) == 0 {
		return nil, nil
	}
	entries := make([]geo.Entry, 0, len(c.Geo))
	for _, e := range c.Geo {
		p, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return nil, err
		}
		entries = append(entries, geo.Entry{Prefix: p, Info: e.GeoInfo})
	}
	return geo.NewTable(entries)
}

// SourceConfig converts the shared scheduling knobs
func (s SourceSettings) SourceConfig() adapter.SourceConfig {
	return adapter.SourceConfig{
		Enabled:       s.Enabled,
		Interval:      s.Interval.Duration(),
		RatePerSecond: s.RatePerSecond,
		Burst:         s.Burst,
	}
}

// Options converts the scanner settings
func (n NmapConfig) Options() []adapter.NmapOption {
	opts := []adapter.NmapOption{
		adapter.WithServiceDetection(n.ServiceDetection),
		adapter.WithOSDetection(n.OSDetection),
		adapter.WithTraceroute(n.Traceroute),
		adapter.WithSkipHostDiscovery(n.SkipHostDiscovery),
	}
	if n.Ports != "" {
		opts = append(opts, adapter.WithPortRange(n.Ports))
	}
	if n.Timeout > 0 {
		opts = append(opts, adapter.WithTimeout(n.Timeout.Duration()))
	}
	return opts
}

// Agent converts the SNMP access settings
func (s SNMPConfig) Agent() adapter.SNMPConfig {
	return adapter.SNMPConfig{
		Community: s.Community,
		Port:      s.Port,
		Timeout:   s.Timeout.Duration(),
		Retries:   s.Retries,
	}
}
