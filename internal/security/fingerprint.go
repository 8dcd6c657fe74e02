package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/files"
)

// UnknownDeviceID is reported when no identifier can be obtained.
const UnknownDeviceID = "UNKNOWN_ID"

// IDSource produces a raw device identifier.
type IDSource interface {
	Name() string
	ID() (string, error)
}

// DeviceIdentity resolves the device fingerprint once per process and never
// fails: any source error degrades to UnknownDeviceID.
type DeviceIdentity struct {
	source   IDSource
	override string
	logger   *slog.Logger

	once sync.Once
	id   string
}

// NewDeviceIdentity builds the identity for the configured source. stateDir
// holds the install id file.
func NewDeviceIdentity(cfg config.IdentityConfig, stateDir string, logger *slog.Logger) (*DeviceIdentity, error) {
	var src IDSource
	switch cfg.Source {
	case config.IdentitySourceInstall, "":
		src = &InstallIDSource{Path: filepath.Join(stateDir, config.InstallIDFileName)}
	case config.IdentitySourceMachine:
		src = NewMachineIDSource()
	case config.IdentitySourceHardware:
		src = &HardwareSource{Manager: NewFingerprintManager(logger)}
	default:
		return nil, fmt.Errorf("unknown identity source %q", cfg.Source)
	}
	return NewDeviceIdentityFromSource(src, cfg.Override, logger), nil
}

// NewDeviceIdentityFromSource wraps an arbitrary source. A non-empty override
// is returned verbatim and the source is never consulted.
func NewDeviceIdentityFromSource(src IDSource, override string, logger *slog.Logger) *DeviceIdentity {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceIdentity{
		source:   src,
		override: strings.TrimSpace(override),
		logger:   logger.With(slog.String("component", "identity")),
	}
}

// DeviceID returns the cached device identifier.
func (d *DeviceIdentity) DeviceID() string {
	d.once.Do(func() {
		d.id = d.resolve()
	})
	return d.id
}

func (d *DeviceIdentity) resolve() string {
	if d.override != "" {
		d.logger.Debug("Using configured device id override")
		return d.override
	}
	if d.source == nil {
		return UnknownDeviceID
	}

	id, err := d.source.ID()
	id = strings.TrimSpace(id)
	if err != nil || id == "" {
		d.logger.Warn("Device id unavailable, using placeholder",
			slog.String("source", d.source.Name()),
			slog.Any("error", err))
		return UnknownDeviceID
	}

	d.logger.Info("Device id resolved", slog.String("source", d.source.Name()))
	return id
}

// InstallIDSource keeps a random UUID in a file. It is created on first use
// and reused on every later start.
type InstallIDSource struct {
	Path string
}

func (s *InstallIDSource) Name() string { return config.IdentitySourceInstall }

func (s *InstallIDSource) ID() (string, error) {
	data, err := files.ReadFileIfExists(s.Path)
	if err != nil {
		return "", fmt.Errorf("read install id: %w", err)
	}
	if existing := strings.TrimSpace(string(data)); existing != "" {
		if _, perr := uuid.Parse(existing); perr == nil {
			return existing, nil
		}
	}

	id := uuid.NewString()
	if err := files.WriteFileAtomic(s.Path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist install id: %w", err)
	}
	return id, nil
}

// MachineIDSource reads the systemd/dbus machine id.
type MachineIDSource struct {
	Paths []string
}

// NewMachineIDSource returns a source probing the standard locations.
func NewMachineIDSource() *MachineIDSource {
	return &MachineIDSource{Paths: []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}}
}

func (s *MachineIDSource) Name() string { return config.IdentitySourceMachine }

func (s *MachineIDSource) ID() (string, error) {
	for _, p := range s.Paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no machine id found in %v", s.Paths)
}

// HardwareSource derives the id from network and host characteristics.
type HardwareSource struct {
	Manager *FingerprintManager
}

func (s *HardwareSource) Name() string { return config.IdentitySourceHardware }

func (s *HardwareSource) ID() (string, error) {
	fp, err := s.Manager.GenerateFingerprint()
	if err != nil {
		return "", err
	}
	return fp.Fingerprint, nil
}

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	Fingerprint string `json:"fingerprint"`
	Hostname    string `json:"hostname"`
	MACAddress  string `json:"mac_address"`
	CPUID       string `json:"cpu_id"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
}

// FingerprintManager hashes hardware factors into a device fingerprint
type FingerprintManager struct {
	logger *slog.Logger

	// overridable for tests
	interfaces func() ([]net.Interface, error)
	hostname   func() (string, error)
	cpuInfo    func() ([]byte, error)
}

// NewFingerprintManager creates a fingerprint manager reading the live system
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintManager{
		logger:     logger,
		interfaces: net.Interfaces,
		hostname:   os.Hostname,
		cpuInfo:    func() ([]byte, error) { return os.ReadFile("/proc/cpuinfo") },
	}
}

// GetMACAddress retrieves the first up, non-loopback interface MAC address
func (fm *FingerprintManager) GetMACAddress() (string, error) {
	interfaces, err := fm.interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC address
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			fm.logger.Warn("Using fallback MAC address", slog.String("interface", iface.Name))
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the normalized machine hostname
func (fm *FingerprintManager) GetHostname() (string, error) {
	hostname, err := fm.hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// GetCPUID returns a short hash of the CPU model, or of OS and arch when the
// model is unavailable.
func (fm *FingerprintManager) GetCPUID() string {
	raw := runtime.GOOS + "-" + runtime.GOARCH
	if data, err := fm.cpuInfo(); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
				raw = line
				break
			}
		}
	}
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:8])
}

// GenerateFingerprint combines MAC, hostname, CPU, OS and arch into a
// SHA-256 fingerprint. Missing factors fall back to fixed placeholders.
func (fm *FingerprintManager) GenerateFingerprint() (*DeviceFingerprint, error) {
	macAddr, err := fm.GetMACAddress()
	if err != nil {
		macAddr = "unknown-mac"
		fm.logger.Warn("Failed to get MAC address, using fallback", slog.String("error", err.Error()))
	}

	hostname, err := fm.GetHostname()
	if err != nil {
		hostname = "unknown-host"
		fm.logger.Warn("Failed to get hostname, using fallback", slog.String("error", err.Error()))
	}

	if macAddr == "unknown-mac" && hostname == "unknown-host" {
		return nil, fmt.Errorf("no stable hardware factors available")
	}

	cpuID := fm.GetCPUID()
	factors := []string{macAddr, hostname, cpuID, runtime.GOOS, runtime.GOARCH}
	hash := sha256.Sum256([]byte(strings.Join(factors, "|")))

	return &DeviceFingerprint{
		Fingerprint: hex.EncodeToString(hash[:]),
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
	}, nil
}
