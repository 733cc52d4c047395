package models

// DeviceInfo describes a device participating in LAN file sharing.
//
// Fingerprint is the SHA-256 digest of the device's TLS certificate and is
// the stable identity other devices key on.
type DeviceInfo struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"device_model"`
	DeviceType  string `json:"device_type"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
}

// Device type values announced over discovery.
const (
	DeviceTypeDesktop  = "desktop"
	DeviceTypeMobile   = "mobile"
	DeviceTypeHeadless = "headless"
)

// ProtocolHTTPS is the only transfer protocol this implementation speaks.
const ProtocolHTTPS = "https"
