// Package adapter implements the probe sources that feed the merge engine.
//
// A Source turns one kind of network observation into domain.DiscoveryEvent
// values. Sources never touch the graph: every event goes through an Emitter
// onto the shared channel consumed by the merge engine.
//
// # Source Types
//
// SourceTypePolling probes on an interval (nmap, ICMP sweep, SNMP)
// SourceTypeListener observes passively until cancelled (mDNS)
// SourceTypeOneShot runs only when triggered
//
// # Sources
//
// NmapSource wraps nmap for port scans, OS fingerprints and traceroute hops.
//
// SweepSource pings every address in its targets, attaches MAC addresses from
// the kernel ARP cache and resolves reverse DNS through an LRU cache.
//
// MDNSSource decodes multicast DNS announcements into hostnames and services.
//
// SNMPSource reads the system group of SNMP agents for OS and hostname hints.
//
// # Registry
//
// Registry owns source lifecycle. It runs polling and listen loops, gives each
// source a rate limiter, refuses overlapping passes of one source and reports
// pass progress to a ProgressPublisher.
package adapter
