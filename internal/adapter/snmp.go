package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"golang.org/x/time/rate"

	"netatlas/internal/domain"
)

const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID = ".1.3.6.1.2.1.1.2.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
)

// SNMPGetter fetches the given scalar OIDs from a host as strings
type SNMPGetter func(ctx context.Context, target string, oids []string) (map[string]string, error)

// SNMPConfig holds agent access settings
type SNMPConfig struct {
	Community string        `yaml:"community" json:"community"`
	Port      uint16        `yaml:"port" json:"port"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	Retries   int           `yaml:"retries" json:"retries"`
}

// SNMPSource queries the system group of SNMP agents. sysDescr yields an OS
// fingerprint and sysName a hostname.
type SNMPSource struct {
	targets []string
	get     SNMPGetter
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSNMPSource creates an SNMP v2c source over targets (addresses or CIDR
// ranges). A nil getter uses gosnmp with cfg.
func NewSNMPSource(targets []string, cfg SNMPConfig, get SNMPGetter, logger *slog.Logger) *SNMPSource {
	if logger == nil {
		logger = slog.Default()
	}
	if get == nil {
		get = gosnmpGetter(cfg)
	}
	return &SNMPSource{
		targets: targets,
		get:     get,
		workers: 16,
		logger:  logger.With("component", "snmp"),
		now:     time.Now,
	}
}

func (s *SNMPSource) Name() string { return "snmp" }

func (s *SNMPSource) Type() SourceType { return SourceTypePolling }

// SetLimiter paces agent queries
func (s *SNMPSource) SetLimiter(l *rate.Limiter) { s.limiter = l }

func (s *SNMPSource) Start(ctx context.Context) error {
	for _, t := range s.targets {
		if _, err := expandCIDR(t); err != nil {
			return fmt.Errorf("target %s: %w", t, err)
		}
	}
	return nil
}

func (s *SNMPSource) Stop() error { return nil }

// Sync queries every target address. Hosts without an agent are silent.
func (s *SNMPSource) Sync(ctx context.Context, emit Emitter) (SyncResult, error) {
	var res SyncResult
	var addrs []netip.Addr
	for _, t := range s.targets {
		expanded, err := expandCIDR(t)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t, err))
			continue
		}
		addrs = append(addrs, expanded...)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		events []domain.DiscoveryEvent
	)
	sem := make(chan struct{}, s.workers)
	for _, addr := range addrs {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			vals, err := s.get(ctx, addr.String(), []string{oidSysDescr, oidSysObjectID, oidSysName})
			if err != nil {
				s.logger.Debug("no agent", "addr", addr, "err", err)
				return
			}
			evs := eventsFromSystemGroup(addr.String(), vals, s.now())
			mu.Lock()
			events = append(events, evs...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	for _, ev := range events {
		if err := emit(ctx, ev); err != nil {
			return res, err
		}
		res.Events++
	}
	return res, nil
}

// eventsFromSystemGroup turns sysName into a hostname observation and
// sysDescr into an OS fingerprint
func eventsFromSystemGroup(target string, vals map[string]string, ts time.Time) []domain.DiscoveryEvent {
	var out []domain.DiscoveryEvent
	if name := strings.TrimSpace(vals[oidSysName]); name != "" {
		out = append(out, domain.NewSweepEvent(target, ts, domain.SweepHit{Hostname: name, Method: "snmp"}))
	}
	if os, ok := fingerprintFromSysDescr(vals[oidSysDescr]); ok {
		os.ObservedAt = ts
		out = append(out, domain.NewOSEvent(target, ts, os))
	}
	return out
}

type sysDescrRule struct {
	keywords   []string
	family     string
	vendor     string
	deviceType domain.DeviceType
	accuracy   int
}

// sysDescrRules are checked in order; the first rule with a matching keyword
// wins. Vendor-specific strings carry more accuracy than bare kernel names.
var sysDescrRules = []sysDescrRule{
	{[]string{"adaptive security appliance"}, "ASA", "Cisco", domain.DeviceTypeFirewall, 85},
	{[]string{"cisco ios", "ios-xe", "cisco internetwork"}, "IOS", "Cisco", domain.DeviceTypeRouter, 85},
	{[]string{"nx-os"}, "NX-OS", "Cisco", domain.DeviceTypeSwitch, 85},
	{[]string{"junos"}, "Junos", "Juniper", domain.DeviceTypeRouter, 85},
	{[]string{"routeros"}, "RouterOS", "MikroTik", domain.DeviceTypeRouter, 85},
	{[]string{"fortigate", "fortios"}, "FortiOS", "Fortinet", domain.DeviceTypeFirewall, 85},
	{[]string{"pfsense", "opnsense"}, "FreeBSD", "", domain.DeviceTypeFirewall, 80},
	{[]string{"procurve", "aruba"}, "ArubaOS", "HPE", domain.DeviceTypeSwitch, 75},
	{[]string{"synology", "diskstation"}, "Linux", "Synology", domain.DeviceTypeNAS, 80},
	{[]string{"qnap"}, "Linux", "QNAP", domain.DeviceTypeNAS, 80},
	{[]string{"jetdirect", "laserjet", "printer"}, "embedded", "", domain.DeviceTypePrinter, 75},
	{[]string{"ubiquiti", "unifi"}, "Linux", "Ubiquiti", domain.DeviceTypeAccessPoint, 70},
	{[]string{"windows"}, "Windows", "Microsoft", "", 60},
	{[]string{"darwin"}, "macOS", "Apple", "", 60},
	{[]string{"freebsd"}, "FreeBSD", "", "", 55},
	{[]string{"linux"}, "Linux", "", "", 50},
}

var (
	versionRe = regexp.MustCompile(`(?i)version\s+([0-9][0-9A-Za-z.()-]*)`)
	kernelRe  = regexp.MustCompile(`(?i)(?:linux|freebsd|darwin)\s+\S+\s+([0-9]+\.[0-9]+[0-9A-Za-z.-]*)`)
)

// fingerprintFromSysDescr derives an OS fingerprint from an SNMP sysDescr
func fingerprintFromSysDescr(descr string) (domain.OSInfo, bool) {
	descr = strings.TrimSpace(descr)
	if descr == "" {
		return domain.OSInfo{}, false
	}
	lower := strings.ToLower(descr)
	for _, r := range sysDescrRules {
		for _, kw := range r.keywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			info := domain.OSInfo{
				Family:     r.family,
				Vendor:     r.vendor,
				DeviceType: r.deviceType,
				Accuracy:   r.accuracy,
			}
			if m := kernelRe.FindStringSubmatch(descr); m != nil {
				info.Generation = m[1]
			} else if m := versionRe.FindStringSubmatch(descr); m != nil {
				info.Generation = strings.TrimRight(m[1], ",.")
			}
			return info, true
		}
	}
	return domain.OSInfo{}, false
}

// gosnmpGetter queries with SNMP v2c
func gosnmpGetter(cfg SNMPConfig) SNMPGetter {
	if cfg.Community == "" {
		cfg.Community = "public"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return func(ctx context.Context, target string, oids []string) (map[string]string, error) {
		g := &gosnmp.GoSNMP{
			Target:    target,
			Port:      cfg.Port,
			Community: cfg.Community,
			Version:   gosnmp.Version2c,
			Timeout:   cfg.Timeout,
			Retries:   cfg.Retries,
			Context:   ctx,
		}
		if err := g.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		defer g.Conn.Close()

		pkt, err := g.Get(oids)
		if err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
		out := make(map[string]string, len(pkt.Variables))
		for _, v := range pkt.Variables {
			switch v.Type {
			case gosnmp.OctetString:
				if b, ok := v.Value.([]byte); ok {
					out[v.Name] = string(b)
				}
			case gosnmp.ObjectIdentifier:
				if s, ok := v.Value.(string); ok {
					out[v.Name] = s
				}
			}
		}
		return out, nil
	}
}
