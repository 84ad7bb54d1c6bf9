package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"golang.org/x/time/rate"

	"netatlas/internal/domain"
)

// NmapSource scans targets with nmap and reports hosts, open ports, OS
// fingerprints and traceroute hops
type NmapSource struct {
	targets           []string
	timeout           time.Duration
	portRange         string
	serviceDetection  bool
	osDetection       bool
	traceroute        bool
	skipHostDiscovery bool
	logger            *slog.Logger
	limiter           *rate.Limiter
	now               func() time.Time

	mu           sync.Mutex
	running      bool
	lastScanTime time.Time
}

// NewNmapSource creates an nmap-backed source. targets are CIDR ranges or
// individual addresses.
func NewNmapSource(targets []string, logger *slog.Logger, opts ...NmapOption) *NmapSource {
	if logger == nil {
		logger = slog.Default()
	}
	n := &NmapSource{
		targets:          targets,
		timeout:          10 * time.Minute,
		portRange:        "21,22,23,25,53,80,161,443,445,554,1883,1900,3306,3389,5432,5900,8000,8080,8443,9100",
		serviceDetection: true,
		osDetection:      false, // requires root
		traceroute:       false, // requires root
		logger:           logger.With("component", "nmap"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *NmapSource) Name() string { return "nmap" }

func (n *NmapSource) Type() SourceType { return SourceTypePolling }

// SetLimiter paces targets, one token per target scanned
func (n *NmapSource) SetLimiter(l *rate.Limiter) { n.limiter = l }

// Start checks that the nmap binary is usable
func (n *NmapSource) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.isNmapAvailable(ctx) {
		return fmt.Errorf("nmap binary not found in PATH")
	}
	n.running = true
	n.logger.Info("started", "targets", n.targets, "ports", n.portRange,
		"service_detection", n.serviceDetection, "os_detection", n.osDetection, "traceroute", n.traceroute)
	return nil
}

func (n *NmapSource) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	return nil
}

// LastScan returns when the last pass began
func (n *NmapSource) LastScan() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastScanTime
}

// Sync scans every target in turn. A failing target is recorded and the pass
// moves on.
func (n *NmapSource) Sync(ctx context.Context, emit Emitter) (SyncResult, error) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return SyncResult{}, fmt.Errorf("source not running")
	}
	n.lastScanTime = n.now()
	n.mu.Unlock()

	var res SyncResult
	if len(n.targets) == 0 {
		n.logger.Debug("no targets configured")
		return res, nil
	}

	for _, target := range n.targets {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		run, err := n.scanTarget(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			n.logger.Warn("scan failed", "target", target, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", target, err))
			continue
		}
		for _, ev := range eventsFromRun(run, n.now()) {
			if err := emit(ctx, ev); err != nil {
				return res, err
			}
			res.Events++
		}
	}
	return res, nil
}

func (n *NmapSource) isNmapAvailable(ctx context.Context) bool {
	scanner, err := nmap.NewScanner(ctx, nmap.WithTargets("localhost"), nmap.WithListScan())
	if err != nil {
		return false
	}
	_, _, err = scanner.Run()
	return err == nil
}

func (n *NmapSource) scanTarget(ctx context.Context, target string) (*nmap.Run, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	opts := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(n.portRange),
	}
	if n.serviceDetection {
		opts = append(opts, nmap.WithServiceInfo())
	}
	if n.osDetection {
		opts = append(opts, nmap.WithOSDetection())
	}
	if n.traceroute {
		opts = append(opts, nmap.WithTraceRoute())
	}
	if n.skipHostDiscovery {
		opts = append(opts, nmap.WithSkipHostDiscovery())
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	n.logger.Debug("scanning", "target", target)
	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		n.logger.Warn("nmap warnings", "target", target, "warnings", *warnings)
	}
	if result == nil {
		return nil, fmt.Errorf("nil scan result")
	}
	return result, nil
}

// eventsFromRun converts nmap results into discovery events. Hosts that are
// not up are skipped. Per host it yields a sweep hit, then open ports, then
// the best OS match, then traceroute hops.
func eventsFromRun(run *nmap.Run, ts time.Time) []domain.DiscoveryEvent {
	if run == nil {
		return nil
	}

	var out []domain.DiscoveryEvent
	for _, host := range run.Hosts {
		if host.Status.State != "up" {
			continue
		}
		ip := hostAddress(host)
		if ip == "" {
			continue
		}

		hit := domain.SweepHit{Method: "nmap"}
		for _, addr := range host.Addresses {
			if addr.AddrType == "mac" {
				hit.MAC = addr.Addr
				hit.Vendor = addr.Vendor
			}
		}
		if len(host.Hostnames) > 0 {
			hit.Hostname = strings.TrimSuffix(host.Hostnames[0].Name, ".")
		}
		out = append(out, domain.NewSweepEvent(ip, ts, hit))

		if ports := portsFromHost(host.Ports); len(ports) > 0 {
			out = append(out, domain.NewPortScanEvent(ip, ts, ports...))
		}
		if os, ok := osFromNmap(host.OS, ts); ok {
			out = append(out, domain.NewOSEvent(ip, ts, os))
		}
		out = append(out, hopsFromTrace(ip, host.Trace, ts)...)
	}
	return out
}

// hostAddress prefers the IPv4 address, then any other non-MAC address
func hostAddress(host nmap.Host) string {
	var fallback string
	for _, addr := range host.Addresses {
		switch addr.AddrType {
		case "ipv4":
			return addr.Addr
		case "mac":
		default:
			if fallback == "" {
				fallback = addr.Addr
			}
		}
	}
	return fallback
}

func portsFromHost(ports []nmap.Port) []domain.PortInfo {
	var out []domain.PortInfo
	for _, p := range ports {
		if p.State.State != "open" {
			continue
		}
		proto, ok := domain.ParseProtocol(p.Protocol)
		if !ok {
			proto = domain.ProtocolTCP
		}

		service := p.Service.Name
		if service == "" {
			service = wellKnownPorts[p.ID]
		}
		info := domain.PortInfo{Port: p.ID, Protocol: proto, Service: service}

		if p.Service.Product != "" {
			info.Version = strings.TrimSpace(p.Service.Product + " " + p.Service.Version)
			banner := info.Version
			if p.Service.ExtraInfo != "" {
				banner += " (" + p.Service.ExtraInfo + ")"
			}
			info.Banner = banner
		}
		out = append(out, info)
	}
	return out
}

// osFromNmap takes the first (best) match. Its most accurate class supplies
// family, generation, vendor and a device type hint.
func osFromNmap(os nmap.OS, ts time.Time) (domain.OSInfo, bool) {
	if len(os.Matches) == 0 {
		return domain.OSInfo{}, false
	}
	match := os.Matches[0]
	info := domain.OSInfo{
		Family:     match.Name,
		Accuracy:   clampAccuracy(int(match.Accuracy)),
		ObservedAt: ts,
	}

	best := -1
	for _, class := range match.Classes {
		if int(class.Accuracy) <= best {
			continue
		}
		best = int(class.Accuracy)
		if class.Family != "" {
			info.Family = class.Family
		}
		info.Generation = class.OSGeneration
		info.Vendor = class.Vendor
		info.DeviceType = nmapDeviceType(class.Type)
	}
	return info, true
}

func clampAccuracy(a int) int {
	switch {
	case a < 0:
		return 0
	case a > 100:
		return 100
	}
	return a
}

// nmapDeviceType maps nmap's osclass type to a device type hint. General
// purpose machines give no hint.
func nmapDeviceType(t string) domain.DeviceType {
	switch strings.ToLower(t) {
	case "router", "broadband router":
		return domain.DeviceTypeRouter
	case "switch":
		return domain.DeviceTypeSwitch
	case "wap":
		return domain.DeviceTypeAccessPoint
	case "firewall":
		return domain.DeviceTypeFirewall
	case "printer":
		return domain.DeviceTypePrinter
	case "webcam":
		return domain.DeviceTypeCamera
	case "media device":
		return domain.DeviceTypeSmartTV
	case "phone":
		return domain.DeviceTypePhone
	case "storage-misc":
		return domain.DeviceTypeNAS
	case "specialized", "power-device", "terminal server", "game console":
		return domain.DeviceTypeIoT
	}
	return ""
}

// hopsFromTrace turns a traceroute into hop events. Timed-out hops carry no
// address; the hop that reached the target is marked final.
func hopsFromTrace(target string, trace nmap.Trace, ts time.Time) []domain.DiscoveryEvent {
	want, _ := netip.ParseAddr(target)
	var out []domain.DiscoveryEvent
	for _, h := range trace.Hops {
		ttl := int(h.TTL)
		if ttl <= 0 {
			continue
		}
		hop := domain.TracerouteHop{
			TTL:      ttl,
			HopAddr:  h.IPAddr,
			Hostname: strings.TrimSuffix(h.Host, "."),
		}
		if rtt, err := strconv.ParseFloat(strings.TrimSpace(h.RTT), 64); err == nil && rtt >= 0 {
			hop.RTTMs = rtt
		}
		if addr, err := netip.ParseAddr(h.IPAddr); err == nil && want.IsValid() && addr.Unmap() == want.Unmap() {
			hop.Final = true
		}
		out = append(out, domain.NewHopEvent(target, ts, hop))
	}
	return out
}

// wellKnownPorts names services when nmap did not identify them
var wellKnownPorts = map[uint16]string{
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	53:   "dns",
	80:   "http",
	110:  "pop3",
	143:  "imap",
	161:  "snmp",
	443:  "https",
	445:  "smb",
	554:  "rtsp",
	993:  "imaps",
	995:  "pop3s",
	1883: "mqtt",
	1900: "upnp",
	3306: "mysql",
	3389: "rdp",
	5432: "postgres",
	5900: "vnc",
	8000: "http-alt",
	8080: "http-alt",
	8443: "https-alt",
	9100: "jetdirect",
}

// expandTargets validates targets, normalizing CIDR ranges to their network
// address. nmap expands ranges itself.
func expandTargets(targets []string) ([]string, error) {
	var expanded []string
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if strings.Contains(target, "/") {
			prefix, err := netip.ParsePrefix(target)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %s: %w", target, err)
			}
			expanded = append(expanded, prefix.Masked().String())
			continue
		}
		expanded = append(expanded, target)
	}
	return expanded, nil
}

// parsePorts validates an nmap port list such as "80,443" or "22,80-443"
func parsePorts(portRange string) (string, error) {
	for _, part := range strings.Split(portRange, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 1 || start > 65535 {
			return "", fmt.Errorf("invalid port number: %s", lo)
		}
		if !isRange {
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || end < start || end > 65535 {
			return "", fmt.Errorf("invalid port range: %s", part)
		}
	}
	return portRange, nil
}
