package controller

import (
	"fmt"
	"net"
	"time"

	"github.com/mwilco03/pnio-controller/internal/pnio/gsdml"
)

// Config is the plain data the embedding application populates and hands
// to New; loading it from a file, environment, or CLI flags is the
// caller's job, not this package's (spec §6 "Configuration accepted").
type Config struct {
	// InterfaceName is the network interface the raw socket binds to and
	// the controller's own MAC/IP are resolved from.
	InterfaceName string

	// ControllerStationName names this controller in its own log lines.
	// Left empty, New derives "controller-xxxx" from the last two bytes
	// of the resolved MAC. It is not sent on the wire: the AR Block Req
	// of every Connect Request carries the target device's station name.
	ControllerStationName string
	ControllerVendorID    uint16
	ControllerDeviceID    uint16

	// CycleTimeUs is the cyclic thread's tick period in microseconds
	// (default 1000; clamped to a 31.25us floor by the cyclic engine).
	CycleTimeUs int
	// SendClockFactor, ReductionRatio, WatchdogFactor are IOCR timing
	// parameters negotiated into every Connect Request (defaults 32, 32, 3).
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
	// WatchdogMs is the RUN-state liveness budget the AR manager enforces
	// (default 3000ms per spec §4.5).
	WatchdogMs int64

	// RTUHTTPPort is the device-side HTTP port the GSDML HTTP fallback
	// targets (default 9081).
	RTUHTTPPort uint16
	// GSDMLCacheDir, if non-empty, enables the GSDML cache/fsnotify/
	// scheduled-HTTP-fetch pipeline. Left empty, discovery skips straight
	// to DAP-only connect + Record Read.
	GSDMLCacheDir     string
	GSDMLMaxFileBytes int64

	// DCPIdentifyInterval is how often the main thread broadcasts a fresh
	// Identify-All (default 5s; spec §4.2 names the mechanism, not a cadence).
	DCPIdentifyInterval time.Duration
	// PollInterval bounds each iteration of the main thread's
	// ApplicationReady poll and receive-thread socket read (default 100ms
	// per spec §5 "receive thread blocks in a 100ms-bounded poll").
	PollInterval time.Duration

	// AutoConnect, when true, makes the main thread issue a discovery
	// Connect for every newly DCP-discovered device automatically. When
	// false, the embedding application drives Connect itself.
	AutoConnect bool
}

// DefaultConfig returns the spec §6 defaults, save for InterfaceName and
// the vendor/device identifiers, which have no sensible default.
func DefaultConfig() Config {
	return Config{
		CycleTimeUs:         1000,
		SendClockFactor:     32,
		ReductionRatio:      32,
		WatchdogFactor:      3,
		WatchdogMs:          3000,
		RTUHTTPPort:         9081,
		GSDMLMaxFileBytes:   gsdml.MaxCacheFileBytes,
		DCPIdentifyInterval: 5 * time.Second,
		PollInterval:        100 * time.Millisecond,
		AutoConnect:         true,
	}
}

// stationNameFromMAC derives the "controller-xxxx" default station name
// (spec §6) from the last two octets of mac.
func stationNameFromMAC(mac net.HardwareAddr) string {
	if len(mac) != 6 {
		return "controller-0000"
	}
	return fmt.Sprintf("controller-%02x%02x", mac[4], mac[5])
}
