// Package classifier infers a device type and a risk score from the signals a
// scan leaves on a host: open ports, service banners, OS fingerprint, vendor
// and hostname. Classification is pure and deterministic.
package classifier

import (
	"strings"

	"netatlas/internal/domain"
)

// Weights tunes the risk score. All values are points on the 0-100 scale.
type Weights struct {
	// Base score per device type; types not listed use BaseDefault
	Base        map[domain.DeviceType]int `yaml:"base"`
	BaseDefault int                       `yaml:"base_default"`

	Telnet          int `yaml:"telnet"`
	FTP             int `yaml:"ftp"`
	RTSPNoAuth      int `yaml:"rtsp_no_auth"`
	AdminPort       int `yaml:"admin_port"`
	SMB             int `yaml:"smb"`
	RDP             int `yaml:"rdp"`
	VNC             int `yaml:"vnc"`
	UPnP            int `yaml:"upnp"`
	MQTT            int `yaml:"mqtt"`
	SNMP            int `yaml:"snmp"`
	ExposedDatabase int `yaml:"exposed_database"`

	NoFingerprint  int `yaml:"no_fingerprint"`
	LowAccuracy    int `yaml:"low_accuracy"`    // accuracy < 50
	MediumAccuracy int `yaml:"medium_accuracy"` // accuracy < 80
}

// DefaultWeights returns the stock risk weights
func DefaultWeights() Weights {
	return Weights{
		Base: map[domain.DeviceType]int{
			domain.DeviceTypeCamera:      30,
			domain.DeviceTypeIoT:         30,
			domain.DeviceTypeSmartTV:     25,
			domain.DeviceTypePrinter:     20,
			domain.DeviceTypeNAS:         20,
			domain.DeviceTypeRouter:      15,
			domain.DeviceTypeSwitch:      15,
			domain.DeviceTypeAccessPoint: 15,
			domain.DeviceTypeDatabase:    15,
			domain.DeviceTypeWebServer:   10,
			domain.DeviceTypeMailServer:  10,
			domain.DeviceTypeServer:      10,
			domain.DeviceTypeWorkstation: 10,
			domain.DeviceTypePhone:       10,
			domain.DeviceTypeFirewall:    5,
			domain.DeviceTypeUnknown:     20,
		},
		BaseDefault: 10,

		Telnet:          25,
		FTP:             15,
		RTSPNoAuth:      20,
		AdminPort:       10,
		SMB:             15,
		RDP:             15,
		VNC:             15,
		UPnP:            10,
		MQTT:            10,
		SNMP:            10,
		ExposedDatabase: 20,

		NoFingerprint:  15,
		LowAccuracy:    10,
		MediumAccuracy: 5,
	}
}

// Classifier applies a fixed set of weights
type Classifier struct {
	weights Weights
}

// New creates a classifier. Missing base entries fall back to DefaultWeights.
func New(w Weights) *Classifier {
	if w.Base == nil {
		w.Base = DefaultWeights().Base
	}
	return &Classifier{weights: w}
}

var defaultClassifier = New(DefaultWeights())

// Classify uses the default weights
func Classify(ports []domain.PortInfo, os *domain.OSInfo, vendor, hostname string) (domain.DeviceType, int) {
	return defaultClassifier.Classify(ports, os, vendor, hostname)
}

// Classify infers the device type and scores its risk
func (c *Classifier) Classify(ports []domain.PortInfo, os *domain.OSInfo, vendor, hostname string) (domain.DeviceType, int) {
	dt := inferType(ports, os, vendor, hostname)
	return dt, c.Risk(dt, ports, os)
}

// Risk scores a host whose type is already known
func (c *Classifier) Risk(dt domain.DeviceType, ports []domain.PortInfo, os *domain.OSInfo) int {
	w := c.weights
	score, ok := w.Base[dt]
	if !ok {
		score = w.BaseDefault
	}

	seen := make(map[uint16]bool, len(ports))
	for _, p := range ports {
		if seen[p.Port] {
			continue
		}
		seen[p.Port] = true

		switch p.Port {
		case 23, 2323:
			score += w.Telnet
		case 21:
			score += w.FTP
		case 554, 8554:
			if !bannerHasAuth(p) {
				score += w.RTSPNoAuth
			}
		case 8080, 8443, 8000, 8888, 10000:
			score += w.AdminPort
		case 445, 139:
			score += w.SMB
		case 3389:
			score += w.RDP
		case 5900, 5901:
			score += w.VNC
		case 1900:
			score += w.UPnP
		case 1883:
			score += w.MQTT
		case 161:
			score += w.SNMP
		case 3306, 5432, 1433, 1521, 27017, 6379, 9200, 5984, 11211:
			score += w.ExposedDatabase
		}
	}

	switch {
	case os == nil:
		score += w.NoFingerprint
	case os.Accuracy < 50:
		score += w.LowAccuracy
	case os.Accuracy < 80:
		score += w.MediumAccuracy
	}

	return clamp(score, 0, 100)
}

func bannerHasAuth(p domain.PortInfo) bool {
	s := strings.ToLower(p.Banner + " " + p.Version)
	return strings.Contains(s, "401") || strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "www-authenticate") || strings.Contains(s, "digest")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// inferType applies the signal rules, strongest first
func inferType(ports []domain.PortInfo, os *domain.OSInfo, vendor, hostname string) domain.DeviceType {
	if os != nil && os.DeviceType != "" && os.DeviceType != domain.DeviceTypeUnknown {
		return os.DeviceType
	}
	if dt, ok := fromVendor(vendor); ok {
		return dt
	}
	if dt, ok := fromHostname(hostname); ok {
		return dt
	}
	if dt, ok := fromPorts(ports); ok {
		return dt
	}
	if os != nil {
		if dt, ok := fromOSFamily(os.Family); ok {
			return dt
		}
	}
	return domain.DeviceTypeUnknown
}

type keywordRule struct {
	keyword string
	dt      domain.DeviceType
}

// vendorRules are matched in order against the lower-cased vendor string
var vendorRules = []keywordRule{
	{"hikvision", domain.DeviceTypeCamera},
	{"dahua", domain.DeviceTypeCamera},
	{"axis communications", domain.DeviceTypeCamera},
	{"fortinet", domain.DeviceTypeFirewall},
	{"palo alto", domain.DeviceTypeFirewall},
	{"sonicwall", domain.DeviceTypeFirewall},
	{"watchguard", domain.DeviceTypeFirewall},
	{"cisco", domain.DeviceTypeRouter},
	{"juniper", domain.DeviceTypeRouter},
	{"mikrotik", domain.DeviceTypeRouter},
	{"huawei", domain.DeviceTypeRouter},
	{"ubiquiti", domain.DeviceTypeAccessPoint},
	{"aruba", domain.DeviceTypeAccessPoint},
	{"ruckus", domain.DeviceTypeAccessPoint},
	{"procurve", domain.DeviceTypeSwitch},
	{"netgear", domain.DeviceTypeRouter},
	{"tp-link", domain.DeviceTypeRouter},
	{"d-link", domain.DeviceTypeRouter},
	{"synology", domain.DeviceTypeNAS},
	{"qnap", domain.DeviceTypeNAS},
	{"western digital", domain.DeviceTypeNAS},
	{"buffalo", domain.DeviceTypeNAS},
	{"brother", domain.DeviceTypePrinter},
	{"xerox", domain.DeviceTypePrinter},
	{"canon", domain.DeviceTypePrinter},
	{"epson", domain.DeviceTypePrinter},
	{"sonos", domain.DeviceTypeIoT},
	{"espressif", domain.DeviceTypeIoT},
	{"philips lighting", domain.DeviceTypeIoT},
	{"lifx", domain.DeviceTypeIoT},
	{"nest", domain.DeviceTypeIoT},
	{"roku", domain.DeviceTypeSmartTV},
	{"vmware", domain.DeviceTypeServer},
	{"hyper-v", domain.DeviceTypeServer},
	{"virtualbox", domain.DeviceTypeServer},
	{"raspberry pi", domain.DeviceTypeIoT},
}

// hostnameRules match hostname prefixes or fragments
var hostnameRules = []keywordRule{
	{"printer", domain.DeviceTypePrinter},
	{"cam", domain.DeviceTypeCamera},
	{"nvr", domain.DeviceTypeCamera},
	{"nas", domain.DeviceTypeNAS},
	{"fw", domain.DeviceTypeFirewall},
	{"firewall", domain.DeviceTypeFirewall},
	{"gw", domain.DeviceTypeRouter},
	{"gateway", domain.DeviceTypeRouter},
	{"router", domain.DeviceTypeRouter},
	{"switch", domain.DeviceTypeSwitch},
	{"ap", domain.DeviceTypeAccessPoint},
	{"iphone", domain.DeviceTypePhone},
	{"android", domain.DeviceTypePhone},
	{"pixel", domain.DeviceTypePhone},
	{"galaxy", domain.DeviceTypePhone},
	{"macbook", domain.DeviceTypeWorkstation},
	{"laptop", domain.DeviceTypeWorkstation},
	{"desktop", domain.DeviceTypeWorkstation},
	{"tv", domain.DeviceTypeSmartTV},
	{"chromecast", domain.DeviceTypeSmartTV},
	{"db", domain.DeviceTypeDatabase},
	{"mail", domain.DeviceTypeMailServer},
	{"smtp", domain.DeviceTypeMailServer},
	{"www", domain.DeviceTypeWebServer},
}

func fromVendor(vendor string) (domain.DeviceType, bool) {
	v := strings.ToLower(vendor)
	if v == "" {
		return "", false
	}
	for _, r := range vendorRules {
		if strings.Contains(v, r.keyword) {
			return r.dt, true
		}
	}
	return "", false
}

// fromHostname matches keywords only at the start of a dot/dash separated
// label so that "camden-pc" is not a camera but "cam-02" is
func fromHostname(hostname string) (domain.DeviceType, bool) {
	h := strings.ToLower(hostname)
	if h == "" {
		return "", false
	}
	labels := strings.FieldsFunc(h, func(r rune) bool { return r == '.' || r == '-' || r == '_' })
	for _, r := range hostnameRules {
		for _, label := range labels {
			if label == r.keyword || (strings.HasPrefix(label, r.keyword) && isDigits(label[len(r.keyword):])) {
				return r.dt, true
			}
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// fromPorts guesses from well-known port and service combinations
func fromPorts(ports []domain.PortInfo) (domain.DeviceType, bool) {
	if len(ports) == 0 {
		return "", false
	}
	portSet := make(map[uint16]bool, len(ports))
	services := make(map[string]bool, len(ports))
	for _, p := range ports {
		portSet[p.Port] = true
		if p.Service != "" {
			services[strings.ToLower(p.Service)] = true
		}
	}

	// Camera (RTSP, Hikvision/Dahua SDK ports)
	if portSet[554] && (portSet[80] || portSet[8000] || portSet[37777]) {
		return domain.DeviceTypeCamera, true
	}
	if services["rtsp"] {
		return domain.DeviceTypeCamera, true
	}

	// Printer (IPP, JetDirect, LPD)
	if portSet[631] || portSet[9100] || portSet[515] {
		return domain.DeviceTypePrinter, true
	}

	// Router (DNS + web admin)
	if portSet[53] && (portSet[80] || portSet[443]) {
		return domain.DeviceTypeRouter, true
	}

	// Database
	if portSet[3306] || portSet[5432] || portSet[1433] || portSet[1521] || portSet[27017] {
		return domain.DeviceTypeDatabase, true
	}

	// Mail
	if portSet[25] || portSet[587] || portSet[465] || portSet[993] {
		return domain.DeviceTypeMailServer, true
	}

	// Switch/AP management (SNMP with web or telnet only)
	if portSet[161] && !portSet[22] {
		return domain.DeviceTypeSwitch, true
	}

	// MQTT broker or bare UPnP responder
	if portSet[1883] || (portSet[1900] && len(portSet) <= 2) {
		return domain.DeviceTypeIoT, true
	}

	// NAS (SMB/AFP with web admin)
	if (portSet[445] || portSet[548]) && (portSet[5000] || portSet[5001]) {
		return domain.DeviceTypeNAS, true
	}

	// Windows desktop
	if portSet[3389] && !portSet[80] && !portSet[443] {
		return domain.DeviceTypeWorkstation, true
	}

	// Web server (web ports with an identified http service)
	if (portSet[80] || portSet[443] || portSet[8080] || portSet[8443]) && (services["http"] || services["https"] || services["http-proxy"] || len(services) == 0) {
		return domain.DeviceTypeWebServer, true
	}

	// Just SSH, or Windows file sharing
	if portSet[22] || portSet[445] {
		return domain.DeviceTypeServer, true
	}

	return "", false
}

func fromOSFamily(family string) (domain.DeviceType, bool) {
	f := strings.ToLower(family)
	switch {
	case strings.Contains(f, "ios") && !strings.Contains(f, "cisco"):
		return domain.DeviceTypePhone, true
	case strings.Contains(f, "android"):
		return domain.DeviceTypePhone, true
	case strings.Contains(f, "routeros"), strings.Contains(f, "cisco"):
		return domain.DeviceTypeRouter, true
	case strings.Contains(f, "windows"), strings.Contains(f, "mac os"), strings.Contains(f, "macos"):
		return domain.DeviceTypeWorkstation, true
	}
	return "", false
}

// Category groups device types for aggregate statistics
type Category string

const (
	CategoryRouter   Category = "router"
	CategoryServer   Category = "server"
	CategoryIoT      Category = "iot"
	CategoryFirewall Category = "firewall"
	CategoryUnknown  Category = "unknown"
	CategoryOther    Category = "other"
)

// CategoryOf maps a device type to its statistics bucket
func CategoryOf(dt domain.DeviceType) Category {
	switch dt {
	case domain.DeviceTypeRouter, domain.DeviceTypeSwitch, domain.DeviceTypeAccessPoint:
		return CategoryRouter
	case domain.DeviceTypeFirewall:
		return CategoryFirewall
	case domain.DeviceTypeServer, domain.DeviceTypeWebServer, domain.DeviceTypeDatabase,
		domain.DeviceTypeMailServer, domain.DeviceTypeNAS:
		return CategoryServer
	case domain.DeviceTypeCamera, domain.DeviceTypeIoT, domain.DeviceTypeSmartTV, domain.DeviceTypePrinter:
		return CategoryIoT
	case domain.DeviceTypeUnknown, "":
		return CategoryUnknown
	default:
		return CategoryOther
	}
}
