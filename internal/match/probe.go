package match

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// ProbeTimeout bounds a single health probe.
const ProbeTimeout = 5 * time.Second

// Prober checks whether one service is serving. Implementations must honor
// the context deadline.
type Prober interface {
	Probe(ctx context.Context, c *sandbox.Container) bool
}

// NetProber probes services over the network: HTTP GET with an expected
// status, or a bare TCP connect. A TCP probe counts as UP iff the connect
// completes within the deadline; any dial error, reset included, is DOWN.
type NetProber struct {
	client *http.Client
}

func NewNetProber() *NetProber {
	return &NetProber{
		client: &http.Client{
			Timeout: ProbeTimeout,
			// Scored services are probed once per tick; keeping
			// connections open would mask crashed-and-restarted
			// services behind a stale keep-alive.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

func (p *NetProber) Probe(ctx context.Context, c *sandbox.Container) bool {
	addr := net.JoinHostPort(c.Address, fmt.Sprintf("%d", c.Port))

	switch c.HealthCheck.Kind {
	case sandbox.ProbeHTTP:
		return p.probeHTTP(ctx, addr, c.HealthCheck)
	default:
		return probeTCP(ctx, addr)
	}
}

func (p *NetProber) probeHTTP(ctx context.Context, addr string, hc sandbox.HealthCheck) bool {
	path := hc.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	expected := hc.ExpectStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	return resp.StatusCode == expected
}

func probeTCP(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
