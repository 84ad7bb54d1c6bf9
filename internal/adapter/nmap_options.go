package adapter

import "time"

// NmapOption is a functional option for configuring NmapSource
type NmapOption func(*NmapSource)

// WithTimeout bounds each target's scan
func WithTimeout(d time.Duration) NmapOption {
	return func(n *NmapSource) {
		n.timeout = d
	}
}

// WithPortRange sets the ports to scan. Invalid lists are ignored.
// Format: "80,443,8080" or "1-1000" or "22,80-443,8080"
func WithPortRange(ports string) NmapOption {
	return func(n *NmapSource) {
		if validated, err := parsePorts(ports); err == nil {
			n.portRange = validated
		}
	}
}

// WithServiceDetection enables or disables service version detection (-sV)
func WithServiceDetection(enabled bool) NmapOption {
	return func(n *NmapSource) {
		n.serviceDetection = enabled
	}
}

// WithOSDetection enables or disables OS detection (-O).
// Requires root privileges.
func WithOSDetection(enabled bool) NmapOption {
	return func(n *NmapSource) {
		n.osDetection = enabled
	}
}

// WithTraceroute enables or disables hop discovery (--traceroute).
// Requires root privileges.
func WithTraceroute(enabled bool) NmapOption {
	return func(n *NmapSource) {
		n.traceroute = enabled
	}
}

// WithSkipHostDiscovery treats all hosts as online (-Pn).
// Useful for networks that block ICMP.
func WithSkipHostDiscovery(skip bool) NmapOption {
	return func(n *NmapSource) {
		n.skipHostDiscovery = skip
	}
}

// WithTargets replaces the target list. Invalid CIDR ranges leave the list
// unchanged.
func WithTargets(targets []string) NmapOption {
	return func(n *NmapSource) {
		if expanded, err := expandTargets(targets); err == nil {
			n.targets = expanded
		}
	}
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) NmapOption {
	return func(n *NmapSource) {
		if now != nil {
			n.now = now
		}
	}
}

// WithFastScan scans a handful of ports without service detection
func WithFastScan() NmapOption {
	return func(n *NmapSource) {
		n.portRange = "22,80,443"
		n.serviceDetection = false
		n.timeout = 5 * time.Minute
	}
}

// WithAggressiveScan scans every port with service, OS and path discovery.
// Requires root.
func WithAggressiveScan() NmapOption {
	return func(n *NmapSource) {
		n.portRange = "1-65535"
		n.serviceDetection = true
		n.osDetection = true
		n.traceroute = true
		n.timeout = 30 * time.Minute
	}
}
