// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kestrel-os/netserver/netserver"
	"github.com/kestrel-os/netserver/netserver/ifreq"
)

// Client issues requests on one connection. Requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) roundTrip(req []byte) (*decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	resp, err := readFrame(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	d := &decoder{b: resp}
	status := Status(d.uint32())
	if d.err != nil {
		return nil, d.err
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateSocket binds a new socket to the connection.
func (c *Client) CreateSocket(domain, typ, protocol, flags int) error {
	_, err := c.roundTrip(encodeCreateSocket(domain, typ, protocol, flags))
	return err
}

// Ifreq sends one interface request.
func (c *Client) Ifreq(req ifreq.Request) (ifreq.Reply, error) {
	var reply ifreq.Reply

	body, err := req.MarshalBinary()
	if err != nil {
		return reply, err
	}

	d, err := c.roundTrip(request(OpIfreq, body))
	if err != nil {
		return reply, err
	}

	err = reply.UnmarshalBinary(d.rest())
	return reply, err
}

// SendMsg sends data on the connection's socket.
func (c *Client) SendMsg(data []byte, flags int) (int, error) {
	d, err := c.roundTrip(request(OpSendMsg, appendInt32(nil, flags), data))
	if err != nil {
		return 0, err
	}

	n := d.uint32()
	return int(n), d.err
}

// RecvMsg receives up to maxLen bytes from the connection's socket. A zero
// timeout waits indefinitely.
func (c *Client) RecvMsg(maxLen int, flags int, timeout time.Duration) (netserver.RecvResult, []byte, error) {
	d, err := c.roundTrip(encodeRecvMsg(flags, uint32(maxLen), uint32(timeout/time.Millisecond)))
	if err != nil {
		return netserver.RecvResult{}, nil, err
	}

	res, data := decodeRecvResult(d)
	return res, data, d.err
}

// Sockname returns the encoded local address of the connection's socket.
func (c *Client) Sockname() ([]byte, error) {
	d, err := c.roundTrip(request(OpSockname))
	if err != nil {
		return nil, err
	}
	return d.rest(), nil
}

// CloseSocket closes the connection's socket. The server then ends the
// connection.
func (c *Client) CloseSocket() error {
	_, err := c.roundTrip(request(OpClose))
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
