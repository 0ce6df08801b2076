package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"ipv4_hunter/internal/dataType"
)

// Client talks to the control socket. Requests on one Client are
// serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, path, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}
	if err := WriteRequest(c.conn, req); err != nil {
		return Response{}, err
	}
	resp, err := ReadResponse(c.r)
	if err != nil {
		return resp, err
	}
	if err := ErrorFor(resp.Status); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) Add(ctx context.Context, ips ...string) error {
	_, err := c.roundTrip(ctx, Request{Cmd: dataType.CmdAdd, Addresses: ips})
	return err
}

func (c *Client) Delete(ctx context.Context, ips ...string) error {
	_, err := c.roundTrip(ctx, Request{Cmd: dataType.CmdDel, Addresses: ips})
	return err
}

// Query returns up to count blocked addresses in insertion order.
func (c *Client) Query(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: query count %d", ErrInvalidArgument, count)
	}
	resp, err := c.roundTrip(ctx, Request{Cmd: dataType.CmdQuery, Count: uint32(min(count, dataType.MaxQuery))})
	if err != nil {
		return nil, err
	}
	return resp.Addresses, nil
}

func (c *Client) Clear(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Request{Cmd: dataType.CmdClear})
	return err
}
