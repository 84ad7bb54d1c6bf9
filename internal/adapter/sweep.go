package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"netatlas/internal/domain"
)

// maxSweepHosts caps a single target's expansion
const maxSweepHosts = 1024

// Pinger sends one echo request and reports the round trip
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) (rtt time.Duration, ok bool, err error)
}

// Resolver does reverse lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ICMPPinger pings with pro-bing
type ICMPPinger struct {
	Timeout time.Duration
	// Privileged uses raw sockets instead of unprivileged UDP pings
	Privileged bool
}

func (p ICMPPinger) Ping(ctx context.Context, addr netip.Addr) (time.Duration, bool, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return 0, false, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = time.Second
	}
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, false, fmt.Errorf("ping %s: %w", addr, err)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false, nil
	}
	return stats.AvgRtt, true, nil
}

// SweepSource pings every address in its targets, then reports responders
// with MAC addresses from the kernel ARP cache and reverse DNS names.
// Addresses present in the ARP cache that did not answer are reported too.
type SweepSource struct {
	targets  []string
	pinger   Pinger
	resolver Resolver
	arpPath  string
	workers  int
	dnsCache *lru.Cache[netip.Addr, string]
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

// SweepOption configures a SweepSource
type SweepOption func(*SweepSource)

// WithPinger replaces the ICMP pinger
func WithPinger(p Pinger) SweepOption {
	return func(s *SweepSource) { s.pinger = p }
}

// WithResolver replaces the reverse DNS resolver
func WithResolver(r Resolver) SweepOption {
	return func(s *SweepSource) { s.resolver = r }
}

// WithARPPath reads the ARP cache from path; empty disables MAC lookup
func WithARPPath(path string) SweepOption {
	return func(s *SweepSource) { s.arpPath = path }
}

// WithWorkers bounds concurrent pings
func WithWorkers(n int) SweepOption {
	return func(s *SweepSource) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSweepClock overrides the event timestamp source
func WithSweepClock(now func() time.Time) SweepOption {
	return func(s *SweepSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweepSource creates a ping sweep over targets. dnsCacheSize bounds the
// reverse lookup cache.
func NewSweepSource(targets []string, dnsCacheSize int, logger *slog.Logger, opts ...SweepOption) (*SweepSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dnsCacheSize <= 0 {
		dnsCacheSize = 4096
	}
	cache, err := lru.New[netip.Addr, string](dnsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dns cache: %w", err)
	}
	s := &SweepSource{
		targets:  targets,
		pinger:   ICMPPinger{Timeout: time.Second},
		resolver: net.DefaultResolver,
		arpPath:  "/proc/net/arp",
		workers:  64,
		dnsCache: cache,
		logger:   logger.With("component", "sweep"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SweepSource) Name() string { return "sweep" }

func (s *SweepSource) Type() SourceType { return SourceTypePolling }

// SetLimiter paces pings
func (s *SweepSource) SetLimiter(l *rate.Limiter) { s.limiter = l }

// Start validates the targets
func (s *SweepSource) Start(ctx context.Context) error {
	for _, t := range s.targets {
		if _, err := expandCIDR(t); err != nil {
			return fmt.Errorf("target %s: %w", t, err)
		}
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("started", "targets", s.targets, "workers", s.workers)
	return nil
}

func (s *SweepSource) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

type sweepReply struct {
	addr netip.Addr
	rtt  time.Duration
}

// Sync pings every target address, then emits one sweep hit per host
func (s *SweepSource) Sync(ctx context.Context, emit Emitter) (SyncResult, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return SyncResult{}, fmt.Errorf("source not running")
	}

	var res SyncResult
	var addrs []netip.Addr
	var prefixes []netip.Prefix
	for _, t := range s.targets {
		expanded, err := expandCIDR(t)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t, err))
			continue
		}
		addrs = append(addrs, expanded...)
		if p, err := netip.ParsePrefix(t); err == nil {
			prefixes = append(prefixes, p.Masked())
		} else if a, err := netip.ParseAddr(t); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}

	var mu sync.Mutex
	replies := make(map[netip.Addr]time.Duration)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.workers)
	for _, addr := range addrs {
		p.Go(func(ctx context.Context) error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			rtt, ok, err := s.pinger.Ping(ctx, addr)
			if err != nil {
				s.logger.Debug("ping failed", "addr", addr, "err", err)
				return nil
			}
			if ok {
				mu.Lock()
				replies[addr] = rtt
				mu.Unlock()
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}

	// the ARP cache is freshest right after the sweep
	arp := map[netip.Addr]string{}
	if s.arpPath != "" {
		table, err := readARPTable(s.arpPath)
		if err != nil {
			s.logger.Debug("arp cache unavailable", "path", s.arpPath, "err", err)
		} else {
			arp = table
		}
	}

	hosts := make([]sweepReply, 0, len(replies))
	for addr, rtt := range replies {
		hosts = append(hosts, sweepReply{addr: addr, rtt: rtt})
	}
	for addr := range arp {
		if _, ok := replies[addr]; !ok && inAny(prefixes, addr) {
			hosts = append(hosts, sweepReply{addr: addr, rtt: -1})
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].addr.Less(hosts[j].addr) })

	ts := s.now()
	for _, h := range hosts {
		hit := domain.SweepHit{
			MAC:      arp[h.addr],
			Hostname: s.reverseDNS(ctx, h.addr),
			Method:   "icmp",
		}
		if h.rtt >= 0 {
			hit.LatencyMs = domain.Float64(float64(h.rtt) / float64(time.Millisecond))
		} else {
			hit.Method = "arp"
		}
		if err := emit(ctx, domain.NewSweepEvent(h.addr.String(), ts, hit)); err != nil {
			return res, err
		}
		res.Events++
	}
	s.logger.Info("sweep complete", "probed", len(addrs), "replies", len(replies), "arp", len(arp))
	return res, nil
}

// reverseDNS resolves through an LRU cache; failures are cached as empty
func (s *SweepSource) reverseDNS(ctx context.Context, addr netip.Addr) string {
	if name, ok := s.dnsCache.Get(addr); ok {
		return name
	}
	var name string
	if s.resolver != nil {
		names, err := s.resolver.LookupAddr(ctx, addr.String())
		if err == nil && len(names) > 0 {
			name = strings.TrimSuffix(names[0], ".")
		}
	}
	s.dnsCache.Add(addr, name)
	return name
}

func inAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// expandCIDR lists the host addresses of an IPv4 prefix. A bare address
// expands to itself. Network and broadcast addresses are skipped for
// prefixes of /30 and wider.
func expandCIDR(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		addr, aerr := netip.ParseAddr(cidr)
		if aerr != nil {
			return nil, err
		}
		return []netip.Addr{addr.Unmap()}, nil
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 supported")
	}

	hostBits := 32 - prefix.Bits()
	if hostBits > 10 {
		return nil, fmt.Errorf("CIDR range too large (max %d IPs)", maxSweepHosts)
	}
	a4 := prefix.Addr().As4()
	first := binary.BigEndian.Uint32(a4[:])
	last := first | (uint32(1)<<hostBits - 1)
	if hostBits >= 2 {
		first++
		last--
	}

	ips := make([]netip.Addr, 0, last-first+1)
	for n := uint32(0); n <= last-first; n++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], first+n)
		ips = append(ips, netip.AddrFrom4(b))
	}
	return ips, nil
}

func readARPTable(path string) (map[netip.Addr]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseARPTable(f)
}
