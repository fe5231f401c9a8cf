package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	probing "github.com/prometheus-community/pro-bing"
)

// icmpGrace pads the per-check deadline so a reply in flight at the timeout
// still counts.
const icmpGrace = 2 * time.Second

// PingProber checks reachability with a single ICMP echo.
type PingProber struct {
	// Privileged switches to raw sockets; without it pro-bing uses UDP
	// ICMP, which needs net.ipv4.ping_group_range to cover the process.
	Privileged bool
}

func (p *PingProber) Probe(ctx context.Context, address string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return errors.Wrapf(err, "pinger for %s", address)
	}
	pinger.Count = 1
	pinger.Timeout = timeout + icmpGrace
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return errors.Wrapf(err, "ping %s", address)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errors.Errorf("ping %s: no reply", address)
	}
	return nil
}
