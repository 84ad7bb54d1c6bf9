package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"netatlas/internal/domain"
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// defaultBrowseTypes are queried on each active pass alongside the service
// enumeration meta-query
var defaultBrowseTypes = []string{
	"_services._dns-sd._udp.local.",
	"_http._tcp.local.",
	"_ipp._tcp.local.",
	"_printer._tcp.local.",
	"_airplay._tcp.local.",
	"_googlecast._tcp.local.",
	"_ssh._tcp.local.",
	"_smb._tcp.local.",
	"_hap._tcp.local.",
}

// MDNSSource listens for multicast DNS announcements and, on each poll,
// browses for common service types
type MDNSSource struct {
	iface   *net.Interface
	window  time.Duration
	types   []string
	logger  *slog.Logger
	now     func() time.Time
	started bool
}

// NewMDNSSource creates an mDNS source. iface may be nil for the system
// default; window is how long an active browse collects answers.
func NewMDNSSource(iface *net.Interface, window time.Duration, logger *slog.Logger) *MDNSSource {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 3 * time.Second
	}
	return &MDNSSource{
		iface:  iface,
		window: window,
		types:  defaultBrowseTypes,
		logger: logger.With("component", "mdns"),
		now:    time.Now,
	}
}

func (m *MDNSSource) Name() string { return "mdns" }

func (m *MDNSSource) Type() SourceType { return SourceTypeListener }

func (m *MDNSSource) Start(ctx context.Context) error {
	m.started = true
	return nil
}

func (m *MDNSSource) Stop() error {
	m.started = false
	return nil
}

// Listen joins the mDNS group and emits every announcement heard until ctx
// is done
func (m *MDNSSource) Listen(ctx context.Context, emit Emitter) error {
	conn, err := net.ListenMulticastUDP("udp4", m.iface, mdnsGroup)
	if err != nil {
		return fmt.Errorf("join mdns group: %w", err)
	}
	defer conn.Close()
	m.logger.Info("listening", "group", mdnsGroup.String())

	_, err = m.readLoop(ctx, conn, time.Time{}, emit)
	return err
}

// Sync sends one browse query and collects answers for the browse window
func (m *MDNSSource) Sync(ctx context.Context, emit Emitter) (SyncResult, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return SyncResult{}, fmt.Errorf("open socket: %w", err)
	}
	defer conn.Close()

	query, err := browseQuery(m.types).Pack()
	if err != nil {
		return SyncResult{}, fmt.Errorf("pack query: %w", err)
	}
	if _, err := conn.WriteToUDP(query, mdnsGroup); err != nil {
		return SyncResult{}, fmt.Errorf("send query: %w", err)
	}

	n, err := m.readLoop(ctx, conn, time.Now().Add(m.window), emit)
	return SyncResult{Events: n}, err
}

// readLoop decodes packets until ctx is done or until is reached (zero means
// no deadline). Undecodable packets are skipped.
func (m *MDNSSource) readLoop(ctx context.Context, conn *net.UDPConn, until time.Time, emit Emitter) (int, error) {
	buf := make([]byte, 9000)
	emitted := 0
	for {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		deadline := time.Now().Add(time.Second)
		if !until.IsZero() {
			if !time.Now().Before(until) {
				return emitted, nil
			}
			if until.Before(deadline) {
				deadline = until
			}
		}
		_ = conn.SetReadDeadline(deadline)

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return emitted, fmt.Errorf("read: %w", err)
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			m.logger.Debug("undecodable packet", "from", from, "err", err)
			continue
		}
		for _, ev := range announcementsFromMsg(msg, from.Addr(), m.now()) {
			if err := emit(ctx, ev); err != nil {
				return emitted, err
			}
			emitted++
		}
	}
}

// browseQuery asks for PTR records of each type with unicast responses
// requested
func browseQuery(types []string) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.RecursionDesired = false
	for _, t := range types {
		msg.Question = append(msg.Question, dns.Question{
			Name:   dns.Fqdn(t),
			Qtype:  dns.TypePTR,
			Qclass: dns.ClassINET | 1<<15,
		})
	}
	return msg
}

type mdnsHost struct {
	hostname string
	services []domain.MDNSService
}

// announcementsFromMsg groups the records of one mDNS response into one
// announcement per announced address. A service whose target host has no
// address record in the message is attributed to the sender.
func announcementsFromMsg(msg *dns.Msg, from netip.Addr, ts time.Time) []domain.DiscoveryEvent {
	if msg == nil || !msg.Response {
		return nil
	}
	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Ns)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Ns...)
	records = append(records, msg.Extra...)

	addrsByHost := make(map[string][]netip.Addr)
	srvs := make(map[string]*dns.SRV)
	txts := make(map[string][]string)
	for _, rr := range records {
		name := strings.ToLower(rr.Header().Name)
		switch r := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(r.A.To4()); ok {
				addrsByHost[name] = appendAddr(addrsByHost[name], a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(r.AAAA); ok && !a.IsLinkLocalUnicast() {
				addrsByHost[name] = appendAddr(addrsByHost[name], a.Unmap())
			}
		case *dns.SRV:
			srvs[rr.Header().Name] = r
		case *dns.TXT:
			txts[rr.Header().Name] = r.Txt
		}
	}

	hosts := make(map[netip.Addr]*mdnsHost)
	get := func(a netip.Addr) *mdnsHost {
		h, ok := hosts[a]
		if !ok {
			h = &mdnsHost{}
			hosts[a] = h
		}
		return h
	}
	for host, addrs := range addrsByHost {
		for _, a := range addrs {
			get(a).hostname = strings.TrimSuffix(host, ".")
		}
	}

	instances := make([]string, 0, len(srvs))
	for name := range srvs {
		instances = append(instances, name)
	}
	sort.Strings(instances)
	for _, name := range instances {
		srv := srvs[name]
		instance, svcType, ok := splitInstance(name)
		if !ok {
			continue
		}
		svc := domain.MDNSService{
			Instance: instance,
			Type:     svcType,
			Port:     srv.Port,
			Protocol: serviceProtocol(svcType),
			TXT:      parseTXT(txts[name]),
		}

		targets := addrsByHost[strings.ToLower(srv.Target)]
		if len(targets) == 0 && from.IsValid() {
			targets = []netip.Addr{from.Unmap()}
		}
		for _, a := range targets {
			h := get(a)
			h.services = append(h.services, svc)
			if h.hostname == "" && a == from.Unmap() {
				h.hostname = strings.TrimSuffix(strings.ToLower(srv.Target), ".")
			}
		}
	}

	addrs := make([]netip.Addr, 0, len(hosts))
	for a := range hosts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	out := make([]domain.DiscoveryEvent, 0, len(addrs))
	for _, a := range addrs {
		h := hosts[a]
		out = append(out, domain.NewMDNSEvent(a.String(), ts, domain.MDNSAnnouncement{
			Hostname: h.hostname,
			Services: h.services,
		}))
	}
	return out
}

func appendAddr(list []netip.Addr, a netip.Addr) []netip.Addr {
	for _, x := range list {
		if x == a {
			return list
		}
	}
	return append(list, a)
}

// splitInstance splits "My\ Printer._ipp._tcp.local." into the unescaped
// instance name and the service type "_ipp._tcp"
func splitInstance(fqdn string) (instance, svcType string, ok bool) {
	i := strings.Index(fqdn, "._")
	if i <= 0 {
		return "", "", false
	}
	instance = unescapeLabel(fqdn[:i])
	svcType = strings.TrimSuffix(strings.TrimSuffix(fqdn[i+1:], "."), ".local")
	return instance, svcType, svcType != ""
}

func serviceProtocol(svcType string) domain.Protocol {
	if strings.HasSuffix(svcType, "._udp") {
		return domain.ProtocolUDP
	}
	return domain.ProtocolTCP
}

// unescapeLabel reverses presentation-format escaping: \DDD and \X
func unescapeLabel(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			if v, err := strconv.Atoi(s[i+1 : i+4]); err == nil && v < 256 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func parseTXT(txt []string) map[string]string {
	if len(txt) == 0 {
		return nil
	}
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[strings.ToLower(k)] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
