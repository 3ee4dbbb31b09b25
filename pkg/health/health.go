package health

import (
	"context"
	"time"
)

// Status is the outcome of probing one endpoint.
type Status struct {
	Target  string
	Healthy bool
	Latency time.Duration
	Detail  string
}

// Probe checks one endpoint of the shuffle service.
type Probe interface {
	Target() string
	Check(ctx context.Context) Status
}

// Run executes every probe in order and reports whether all passed.
func Run(ctx context.Context, probes ...Probe) ([]Status, bool) {
	statuses := make([]Status, 0, len(probes))
	ok := true
	for _, p := range probes {
		st := p.Check(ctx)
		ok = ok && st.Healthy
		statuses = append(statuses, st)
	}
	return statuses, ok
}
