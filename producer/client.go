package producer

import (
	"context"
	"fmt"
	"net"
	"time"

	"strzcam.com/videorelay/frame"
)

// Client holds one producer connection to the relay's ingest listener. There
// is no reconnect logic; when the connection dies the caller decides whether
// to dial again.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial ingest %s: %w", addr, err)
	}
	logger.Infof("Connected to relay at %s", addr)
	return &Client{conn: conn, timeout: timeout}, nil
}

// Send writes one framed message.
func (c *Client) Send(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return frame.WriteFrame(c.conn, payload)
}

// Run forwards frames until ctx is done, the source channel closes, or a
// send fails.
func (c *Client) Run(ctx context.Context, frames <-chan []byte) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-frames:
			if !ok {
				return nil
			}
			if err := c.Send(payload); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("send frame: %w", err)
			}
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
