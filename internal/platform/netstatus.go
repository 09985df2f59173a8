package platform

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

// ProbeFunc reports the current connection class. The default inspects
// network interfaces; embedders with a real platform connectivity signal
// (and tests) replace it via SetProbe.
type ProbeFunc func() types.NetworkKind

type netStatus struct {
	mu        sync.Mutex
	probe     ProbeFunc
	last      types.NetworkKind
	probedAt  time.Time
	cacheTTL  time.Duration
}

var status = &netStatus{
	probe:    probeInterfaces,
	cacheTTL: 5 * time.Second,
}

// SetProbe replaces the connectivity probe. Passing nil restores the
// interface-based default.
func SetProbe(p ProbeFunc) {
	status.mu.Lock()
	defer status.mu.Unlock()
	if p == nil {
		p = probeInterfaces
	}
	status.probe = p
	status.probedAt = time.Time{}
}

// CurrentNetwork returns the probed connection class. Results are cached
// briefly so per-tick policy checks do not hammer the OS.
func CurrentNetwork() types.NetworkKind {
	status.mu.Lock()
	defer status.mu.Unlock()

	if !status.probedAt.IsZero() && time.Since(status.probedAt) < status.cacheTTL {
		return status.last
	}

	status.last = status.probe()
	status.probedAt = time.Now()
	return status.last
}

func probeInterfaces() types.NetworkKind {
	ifaces, err := net.Interfaces()
	if err != nil {
		return types.NetworkUnknown
	}

	kind := types.NetworkOffline
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		switch {
		case strings.HasPrefix(name, "wl"), strings.Contains(name, "wifi"), strings.Contains(name, "wlan"):
			return types.NetworkWifi
		case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
			kind = types.NetworkEthernet
		case strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "ppp"):
			if kind == types.NetworkOffline {
				kind = types.NetworkMetered
			}
		default:
			if kind == types.NetworkOffline {
				kind = types.NetworkUnknown
			}
		}
	}

	return kind
}
