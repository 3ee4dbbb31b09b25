package protocol

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a synchronous request/response connection to a shuttle
// endpoint. Calls are serialized; responses are matched by request id.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to addr with the given per-call deadline.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Call sends one request and decodes the reply status into an error.
// The reply body is returned for kinds that carry one.
func (c *Client) Call(kind Kind, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := NewRequestID()
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := WriteRequest(c.conn, kind, id, body); err != nil {
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}
	frame, err := ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("recv %s reply: %w", kind, err)
	}
	if frame.ID != id {
		return nil, fmt.Errorf("%s reply id mismatch", kind)
	}
	if frame.Status != ErrNone {
		return frame.Body, frame.Status.ToError(DecodeErrorDetail(frame.Body))
	}
	return frame.Body, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
