package health

import (
	"context"
	"time"

	"github.com/kettlelinna/shuttle/pkg/protocol"
)

// Endpoint returns a probe that round-trips a HealthCheck request over
// the shuttle protocol, exercising the full request path rather than
// just the socket.
func Endpoint(addr string, timeout time.Duration) Probe {
	return &endpointProbe{addr: addr, timeout: timeout}
}

type endpointProbe struct {
	addr    string
	timeout time.Duration
}

func (p *endpointProbe) Target() string { return "rss://" + p.addr }

func (p *endpointProbe) Check(ctx context.Context) Status {
	start := time.Now()

	client, err := protocol.Dial(p.addr, p.timeout)
	if err != nil {
		return Status{Target: p.Target(), Latency: time.Since(start), Detail: err.Error()}
	}
	defer client.Close()

	if _, err := client.Call(protocol.KindHealthCheck, nil); err != nil {
		return Status{Target: p.Target(), Latency: time.Since(start), Detail: err.Error()}
	}
	return Status{Target: p.Target(), Healthy: true, Latency: time.Since(start)}
}
