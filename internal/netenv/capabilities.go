package netenv

import (
	"os"
	"os/exec"
	"syscall"
)

// Capabilities records which probes the process can run
type Capabilities struct {
	Root bool `json:"root"`
	// RawICMP means a raw ICMP socket opened (root or CAP_NET_RAW)
	RawICMP bool `json:"raw_icmp"`
	// DgramICMP means unprivileged ICMP is allowed by net.ipv4.ping_group_range
	DgramICMP bool   `json:"dgram_icmp"`
	NmapPath  string `json:"nmap_path,omitempty"`
}

// DetectCapabilities opens and closes probe sockets and looks up nmap
func DetectCapabilities() Capabilities {
	c := Capabilities{
		Root:      os.Geteuid() == 0,
		RawICMP:   canOpen(syscall.SOCK_RAW),
		DgramICMP: canOpen(syscall.SOCK_DGRAM),
	}
	if path, err := exec.LookPath("nmap"); err == nil {
		c.NmapPath = path
	}
	return c
}

// CanPing reports whether any ICMP echo mode is available
func (c Capabilities) CanPing() bool { return c.RawICMP || c.DgramICMP }

// PrivilegedPing reports whether pings should use raw sockets. Datagram
// sockets are preferred when both work.
func (c Capabilities) PrivilegedPing() bool { return c.RawICMP && !c.DgramICMP }

func canOpen(sockType int) bool {
	fd, err := syscall.Socket(syscall.AF_INET, sockType, syscall.IPPROTO_ICMP)
	if err != nil {
		return false
	}
	syscall.Close(fd)
	return true
}
