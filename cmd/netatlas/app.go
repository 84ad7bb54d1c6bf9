package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"netatlas/internal/adapter"
	"netatlas/internal/config"
	"netatlas/internal/graph"
	"netatlas/internal/layout"
	"netatlas/internal/merge"
	"netatlas/internal/netenv"
	"netatlas/internal/repository"
	"netatlas/internal/repository/sqlite"
	"netatlas/internal/service"
)

// app is one assembled topology service
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	repo  *sqlite.Repository
	svc   *service.TopologyService
	layer *layout.Engine
}

// newApp builds the engine stack. The snapshot store is opened only when
// persist is set.
func newApp(cfg *config.Config, log *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var store repository.Store
	if persist {
		repo, err := sqlite.New(cfg.Database.Path,
			sqlite.WithRetention(cfg.Database.Retention),
			sqlite.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.repo = repo
		store = repo
	}

	opts := []merge.Option{merge.WithLogger(log)}
	table, err := cfg.GeoTable()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("geo table: %w", err)
	}
	if table != nil {
		opts = append(opts, merge.WithGeoResolver(table))
		log.Info("geo table loaded", "prefixes", table.Len())
	}
	engine := merge.New(graph.New(), cfg.MergeConfig(), opts...)

	a.layer = layout.New(cfg.Layout.Config)
	a.layer.Apply(cfg.LayoutType(), engine.Graph().Snapshot())

	a.svc = service.New(engine, a.layer, store, service.NewEventBus(), cfg.ServiceOptions(), log)
	return a, nil
}

func (a *app) close() {
	if a.repo == nil {
		return
	}
	if err := a.repo.Close(); err != nil {
		a.log.Warn("close database", "err", err)
	}
}

// detectEnvironment fills targets and gateways from the host's interfaces
func detectEnvironment(cfg *config.Config, log *slog.Logger) netenv.Environment {
	if !cfg.Discovery.AutoDetect {
		return netenv.Environment{}
	}
	env := netenv.Detect(log)
	cfg.ApplyEnvironment(env)
	log.Info("network detected", "hostname", env.Hostname, "gateway", env.Gateway,
		"targets", cfg.Discovery.Targets)
	return env
}

// probe is a source with its scheduling settings
type probe struct {
	src adapter.Source
	cfg adapter.SourceConfig
}

// probes builds every configured source over targets. Disabled sources are
// still returned so they show up in listings.
func probes(cfg *config.Config, targets []string, log *slog.Logger) ([]probe, error) {
	d := cfg.Discovery
	caps := netenv.DetectCapabilities()
	if !caps.CanPing() {
		log.Warn("ICMP unavailable, sweep will rely on the ARP cache")
	}
	if d.Nmap.Enabled && caps.NmapPath == "" {
		log.Warn("nmap enabled but not installed")
	}
	var out []probe

	sweep, err := adapter.NewSweepSource(targets, d.Sweep.DNSCacheSize, log, sweepOptions(d.Sweep, caps)...)
	if err != nil {
		return nil, fmt.Errorf("sweep source: %w", err)
	}
	out = append(out, probe{sweep, d.Sweep.SourceConfig()})

	out = append(out, probe{adapter.NewNmapSource(targets, log, d.Nmap.Options()...), d.Nmap.SourceConfig()})

	var iface *net.Interface
	if d.MDNS.Interface != "" {
		iface, err = net.InterfaceByName(d.MDNS.Interface)
		if err != nil {
			return nil, fmt.Errorf("mdns interface %s: %w", d.MDNS.Interface, err)
		}
	}
	out = append(out, probe{adapter.NewMDNSSource(iface, d.MDNS.Window.Duration(), log), d.MDNS.SourceConfig()})

	out = append(out, probe{adapter.NewSNMPSource(targets, d.SNMP.Agent(), nil, log), d.SNMP.SourceConfig()})
	return out, nil
}

func sweepOptions(c config.SweepConfig, caps netenv.Capabilities) []adapter.SweepOption {
	opts := []adapter.SweepOption{
		adapter.WithPinger(adapter.ICMPPinger{Timeout: time.Second, Privileged: caps.PrivilegedPing()}),
	}
	if c.Workers > 0 {
		opts = append(opts, adapter.WithWorkers(c.Workers))
	}
	if c.ARPPath != "" {
		opts = append(opts, adapter.WithARPPath(c.ARPPath))
	}
	return opts
}

// register adds every probe to r
func register(r *adapter.Registry, ps []probe) error {
	var errs []error
	for _, p := range ps {
		if err := r.Register(p.src, p.cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
