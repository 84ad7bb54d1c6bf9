package adapter

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"netatlas/internal/oui"
)

// parseARPTable reads the Linux /proc/net/arp format:
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.1      0x1         0x2         aa:bb:cc:dd:ee:ff     *        eth0
//
// Incomplete entries (flags 0x0) and all-zero MACs are skipped.
func parseARPTable(r io.Reader) (map[netip.Addr]string, error) {
	out := make(map[netip.Addr]string)
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		if fields[2] == "0x0" {
			continue
		}
		mac, ok := oui.NormalizeMAC(fields[3])
		if !ok || mac == "00:00:00:00:00:00" {
			continue
		}
		out[addr.Unmap()] = mac
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read arp table: %w", err)
	}
	return out, nil
}
