package mode

import (
	"context"
	"errors"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// MaxProbeTimeout bounds the neighbour probe regardless of configuration.
const MaxProbeTimeout = 3 * time.Second

var errNoReply = errors.New("no reply")

// Prober checks whether addr answers on iface.
type Prober interface {
	Probe(ctx context.Context, addr, iface string, timeout time.Duration) error
}

// PingProber sends a single ICMP echo.
type PingProber struct {
	Privileged bool
}

// Probe implements Prober.
func (p PingProber) Probe(ctx context.Context, addr, iface string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.InterfaceName = iface
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errNoReply
	}
	return nil
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, addr, iface string, timeout time.Duration) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, addr, iface string, timeout time.Duration) error {
	return f(ctx, addr, iface, timeout)
}

func clampProbeTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > MaxProbeTimeout {
		return MaxProbeTimeout
	}
	return d
}
