package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/protocol"
)

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	st := TCP(ln.Addr().String(), time.Second).Check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "tcp://"+ln.Addr().String(), st.Target)

	// A closed port fails with a detail message.
	addr := ln.Addr().String()
	ln.Close()
	st = TCP(addr, 200*time.Millisecond).Check(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Detail)
}

// stubEndpoint answers HealthCheck requests like a worker endpoint does.
func stubEndpoint(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					frame, err := protocol.ReadRequest(conn)
					if err != nil {
						return
					}
					status := protocol.ErrNone
					if frame.Kind != protocol.KindHealthCheck {
						status = protocol.ErrKindProtocol
					}
					if protocol.WriteResponse(conn, status, frame.ID, nil) != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestEndpointProbe(t *testing.T) {
	ln := stubEndpoint(t)

	st := Endpoint(ln.Addr().String(), time.Second).Check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "rss://"+ln.Addr().String(), st.Target)

	st = Endpoint("127.0.0.1:1", 200*time.Millisecond).Check(context.Background())
	assert.False(t, st.Healthy)
}

func TestRunAggregates(t *testing.T) {
	ln := stubEndpoint(t)

	statuses, ok := Run(context.Background(),
		Endpoint(ln.Addr().String(), time.Second),
		TCP(ln.Addr().String(), time.Second),
	)
	assert.True(t, ok)
	assert.Len(t, statuses, 2)

	statuses, ok = Run(context.Background(),
		TCP(ln.Addr().String(), time.Second),
		TCP("127.0.0.1:1", 200*time.Millisecond),
	)
	assert.False(t, ok, "one failing probe fails the run")
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
}
