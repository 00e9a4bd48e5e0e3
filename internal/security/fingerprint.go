// Package security derives the hardware identity licenses can be pinned to
// and seals authority signing keys at rest.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Fingerprint is the set of hardware factors a node is identified by.
type Fingerprint struct {
	HardwareID  string    `json:"hardware_id"`
	HostID      string    `json:"host_id"`
	MACAddress  string    `json:"mac_address"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager collects and caches the hardware fingerprint.
type FingerprintManager struct {
	cache         *Fingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
	logger        *slog.Logger

	hostID     func(ctx context.Context) (string, error)
	interfaces func() ([]net.Interface, error)
	hostname   func() (string, error)
}

// NewFingerprintManager creates a manager reading the host through gopsutil.
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintManager{
		cacheDuration: time.Hour,
		logger:        logger.With(slog.String("component", "fingerprint")),
		hostID:        host.HostIDWithContext,
		interfaces:    net.Interfaces,
		hostname:      os.Hostname,
	}
}

// MACAddress returns the address of the first non-loopback interface that
// is up, or of any interface when none is.
func (fm *FingerprintManager) MACAddress() (string, error) {
	interfaces, err := fm.interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	usable := func(iface net.Interface) (string, bool) {
		mac := iface.HardwareAddr.String()
		return mac, mac != "" && mac != "00:00:00:00:00:00"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac, ok := usable(iface); ok {
			return mac, nil
		}
	}
	for _, iface := range interfaces {
		if mac, ok := usable(iface); ok {
			fm.logger.Warn("using MAC address of an inactive interface", slog.String("interface", iface.Name))
			return mac, nil
		}
	}
	return "", errors.New("no valid MAC address found")
}

// Hostname returns the normalized machine hostname.
func (fm *FingerprintManager) Hostname() (string, error) {
	hostname, err := fm.hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", errors.New("hostname is empty")
	}
	return hostname, nil
}

// Generate returns the current fingerprint. The hardware id combines the
// host id reported by the OS with the primary MAC address; the hostname is
// informational and not part of it.
func (fm *FingerprintManager) Generate(ctx context.Context) (*Fingerprint, error) {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	hostID, err := fm.hostID(ctx)
	if err != nil {
		fm.logger.WarnContext(ctx, "failed to read host id", slog.String("error", err.Error()))
		hostID = ""
	}
	hostID = strings.ToLower(strings.TrimSpace(hostID))

	mac, err := fm.MACAddress()
	if err != nil {
		fm.logger.WarnContext(ctx, "failed to read MAC address", slog.String("error", err.Error()))
		mac = ""
	}
	if hostID == "" && mac == "" {
		return nil, errors.New("no hardware identifier available")
	}

	hostname, err := fm.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{hostID, mac, runtime.GOOS, runtime.GOARCH}, "|")))
	fp := &Fingerprint{
		HardwareID:  hex.EncodeToString(sum[:]),
		HostID:      hostID,
		MACAddress:  mac,
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	fm.cacheMutex.Lock()
	fm.cache = fp
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	fm.logger.DebugContext(ctx, "hardware fingerprint generated",
		slog.String("hardware_id", fp.HardwareID),
		slog.String("hostname", hostname))
	result := *fp
	return &result, nil
}

// HardwareID returns the hardware identifier of this machine.
func (fm *FingerprintManager) HardwareID(ctx context.Context) (string, error) {
	fp, err := fm.Generate(ctx)
	if err != nil {
		return "", err
	}
	return fp.HardwareID, nil
}

// ClearCache drops the cached fingerprint.
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}
