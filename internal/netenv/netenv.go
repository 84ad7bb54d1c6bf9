// Package netenv inspects the host's own network attachment: its interfaces,
// their subnets and the default gateway. The result seeds gateway edges, the
// observer address and default probe targets.
package netenv

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"

	"netatlas/internal/merge"
)

// DefaultRoutePath is the Linux routing table
const DefaultRoutePath = "/proc/net/route"

// maxTargetBits is the widest subnet offered as a default scan target
const maxTargetBits = 22

// virtualPrefixes name interfaces created by container runtimes
var virtualPrefixes = []string{"veth", "docker", "br-", "cni", "flannel", "virbr", "podman"}

// Interface is one active IPv4 attachment
type Interface struct {
	Name    string       `json:"name" yaml:"name"`
	Addr    netip.Addr   `json:"addr" yaml:"addr"`
	Subnet  netip.Prefix `json:"subnet" yaml:"subnet"`
	MAC     string       `json:"mac,omitempty" yaml:"mac,omitempty"`
	Private bool         `json:"private" yaml:"private"`
}

// Environment is what the host knows about its own network
type Environment struct {
	Hostname     string      `json:"hostname" yaml:"hostname"`
	Interfaces   []Interface `json:"interfaces" yaml:"interfaces"`
	Gateway      netip.Addr  `json:"gateway" yaml:"gateway"`
	GatewayIface string      `json:"gateway_iface,omitempty" yaml:"gateway_iface,omitempty"`
}

// Detect reads the live interfaces and routing table. Failures leave the
// corresponding fields empty.
func Detect(logger *slog.Logger) Environment {
	if logger == nil {
		logger = slog.Default()
	}
	var env Environment
	env.Hostname, _ = os.Hostname()

	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("list interfaces failed", "err", err)
	}
	env.Interfaces = activeInterfaces(ifaces)

	f, err := os.Open(DefaultRoutePath)
	if err != nil {
		logger.Debug("no routing table", "path", DefaultRoutePath, "err", err)
		return env
	}
	defer f.Close()
	if gw, iface, err := ParseDefaultRoute(f); err == nil {
		env.Gateway, env.GatewayIface = gw, iface
	} else {
		logger.Debug("no default route", "err", err)
	}
	return env
}

func activeInterfaces(ifaces []net.Interface) []Interface {
	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || isVirtual(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			addr, _ := netip.AddrFromSlice(ipnet.IP.To4())
			ones, _ := ipnet.Mask.Size()
			out = append(out, Interface{
				Name:    iface.Name,
				Addr:    addr,
				Subnet:  netip.PrefixFrom(addr, ones).Masked(),
				MAC:     iface.HardwareAddr.String(),
				Private: addr.IsPrivate(),
			})
		}
	}
	return out
}

func isVirtual(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ParseDefaultRoute finds the default route in /proc/net/route format. The
// gateway column is a little-endian hex IPv4 address.
func ParseDefaultRoute(r io.Reader) (netip.Addr, string, error) {
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], binary.LittleEndian.Uint32(raw))
		gw := netip.AddrFrom4(b)
		if gw.IsUnspecified() {
			continue
		}
		return gw, fields[0], nil
	}
	if err := sc.Err(); err != nil {
		return netip.Addr{}, "", fmt.Errorf("read routes: %w", err)
	}
	return netip.Addr{}, "", fmt.Errorf("no default route")
}

// primary is the interface carrying the default route, else the first
// private attachment, else the first one
func (e Environment) primary() (Interface, bool) {
	if e.Gateway.IsValid() {
		for _, i := range e.Interfaces {
			if i.Subnet.Contains(e.Gateway) {
				return i, true
			}
		}
	}
	for _, i := range e.Interfaces {
		if i.Private {
			return i, true
		}
	}
	if len(e.Interfaces) > 0 {
		return e.Interfaces[0], true
	}
	return Interface{}, false
}

// LocalAddr is the observer's own address, or the zero Addr when unknown
func (e Environment) LocalAddr() netip.Addr {
	i, ok := e.primary()
	if !ok {
		return netip.Addr{}
	}
	return i.Addr
}

// Gateways binds the default gateway to the subnet it sits on
func (e Environment) Gateways() []merge.Gateway {
	if !e.Gateway.IsValid() {
		return nil
	}
	for _, i := range e.Interfaces {
		if i.Subnet.Contains(e.Gateway) {
			return []merge.Gateway{{Subnet: i.Subnet, Addr: e.Gateway}}
		}
	}
	return nil
}

// ScanTargets returns the private subnets the host is attached to. Subnets
// wider than /22 are narrowed to the /24 around the host's own address.
func (e Environment) ScanTargets() []string {
	seen := make(map[netip.Prefix]bool)
	var out []string
	for _, i := range e.Interfaces {
		if !i.Private {
			continue
		}
		p := i.Subnet
		if p.Bits() < maxTargetBits {
			p = netip.PrefixFrom(i.Addr, 24).Masked()
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p.String())
	}
	return out
}
