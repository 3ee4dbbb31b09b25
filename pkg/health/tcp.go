package health

import (
	"context"
	"net"
	"time"
)

// TCP returns a probe that verifies a listener accepts connections
// within timeout. Used for the worker's own data endpoint in /healthz and
// for worker control endpoints in the health command.
func TCP(addr string, timeout time.Duration) Probe {
	return &tcpProbe{addr: addr, timeout: timeout}
}

type tcpProbe struct {
	addr    string
	timeout time.Duration
}

func (p *tcpProbe) Target() string { return "tcp://" + p.addr }

func (p *tcpProbe) Check(ctx context.Context) Status {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", p.addr)
	if err != nil {
		return Status{Target: p.Target(), Latency: time.Since(start), Detail: err.Error()}
	}
	conn.Close()
	return Status{Target: p.Target(), Healthy: true, Latency: time.Since(start)}
}
