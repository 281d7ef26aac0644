// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/netserver/netserver"
	"github.com/kestrel-os/netserver/netserver/ifreq"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var transportLog = logrus.WithField("source", "netserver/transport")

// SetLogger sets the logger for the transport package.
func SetLogger(logger *logrus.Entry) {
	fields := transportLog.Data
	transportLog = logger.WithFields(fields)
}

// Backend serves the requests received on connections.
type Backend interface {
	CreateSocket(ctx context.Context, domain, typ, protocol, flags int) (netserver.Socket, error)
	Ifreq(ctx context.Context, req ifreq.Request) ifreq.Reply
}

// Serve accepts connections on l until ctx is cancelled, handling each on
// its own goroutine. It closes l and waits for the connections to finish
// before returning.
func Serve(ctx context.Context, l net.Listener, b Backend) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	transportLog.WithField("address", l.Addr().String()).Info("Serving")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ServeConn(ctx, conn, b)
		}()
	}
}

type connection struct {
	conn    net.Conn
	backend Backend
	logger  *logrus.Entry
	socket  netserver.Socket
}

// ServeConn handles requests on conn in order until the peer disconnects,
// closes its socket or ctx is cancelled. Frames are read on a separate
// goroutine, so a peer that goes away while a request is blocked (a RECVMSG
// waiting for a reply) cancels that request and releases the socket.
func ServeConn(ctx context.Context, conn net.Conn, b Backend) {
	c := &connection{
		conn:    conn,
		backend: b,
		logger:  transportLog.WithField("conn", uuid.New().String()),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	c.logger.Debug("Connection opened")

	defer func() {
		if c.socket != nil {
			c.socket.Close()
		}
		c.logger.Debug("Connection closed")
	}()

	frames := make(chan []byte)
	go c.readFrames(ctx, cancel, frames)

	for {
		var req []byte
		select {
		case <-ctx.Done():
			return
		case req = <-frames:
		}

		resp, last := c.handle(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Warn("Write failed")
			}
			return
		}
		if last {
			return
		}
	}
}

// readFrames feeds request frames to the connection loop and cancels the
// connection context once the peer is gone.
func (c *connection) readFrames(ctx context.Context, cancel context.CancelFunc, frames chan<- []byte) {
	defer cancel()

	for {
		req, err := readFrame(c.conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.logger.WithError(err).Warn("Read failed")
			}
			return
		}

		select {
		case frames <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) handle(ctx context.Context, req []byte) (resp []byte, last bool) {
	if len(req) == 0 {
		return response(StatusIllegalArguments), false
	}

	op := Op(req[0])
	d := &decoder{b: req[1:]}
	logger := c.logger.WithField("op", op.String())

	span, ctx := nstrace.Trace(ctx, logger, "transport")
	defer span.Finish()

	switch op {
	case OpCreateSocket:
		return c.createSocket(ctx, d, logger), false
	case OpIfreq:
		var r ifreq.Request
		if err := r.UnmarshalBinary(d.rest()); err != nil {
			logger.WithError(err).Debug("Bad ifreq record")
			return response(StatusIllegalArguments), false
		}
		reply := c.backend.Ifreq(ctx, r)
		body, err := reply.MarshalBinary()
		if err != nil {
			logger.WithError(err).Error("Encoding ifreq reply failed")
			return response(StatusInternal), false
		}
		return response(StatusOK, body), false
	}

	if c.socket == nil {
		logger.Debug("No socket on connection")
		return response(StatusIllegalArguments), false
	}

	switch op {
	case OpSendMsg:
		flags := d.int32()
		if d.err != nil {
			return response(StatusIllegalArguments), false
		}
		n, err := c.socket.SendMsg(ctx, d.rest(), flags)
		if err != nil {
			return response(statusOf(err)), false
		}
		return response(StatusOK, appendUint32(nil, uint32(n))), false
	case OpRecvMsg:
		return c.recvMsg(ctx, d), false
	case OpSockname:
		addr, err := c.socket.Sockname()
		if err != nil {
			return response(statusOf(err)), false
		}
		return response(StatusOK, addr), false
	case OpClose:
		err := c.socket.Close()
		c.socket = nil
		return response(statusOf(err)), true
	}

	logger.Debug("Unknown op")
	return response(StatusIllegalArguments), false
}

func (c *connection) createSocket(ctx context.Context, d *decoder, logger *logrus.Entry) []byte {
	domain := d.int32()
	typ := d.int32()
	protocol := d.int32()
	flags := d.int32()
	if d.err != nil {
		return response(StatusIllegalArguments)
	}

	if c.socket != nil {
		logger.Debug("Connection already has a socket")
		return response(StatusIllegalArguments)
	}

	sock, err := c.backend.CreateSocket(ctx, domain, typ, protocol, flags)
	if err != nil {
		logger.WithError(err).Debug("Create socket failed")
		return response(statusOf(err))
	}

	c.socket = sock
	return response(StatusOK)
}

func (c *connection) recvMsg(ctx context.Context, d *decoder) []byte {
	flags := d.int32()
	maxLen := d.uint32()
	timeout := d.uint32()
	if d.err != nil || maxLen > maxRecvLen {
		return response(StatusIllegalArguments)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	buf := make([]byte, maxLen)
	res, err := c.socket.RecvMsg(ctx, buf, flags)
	if err != nil {
		return response(statusOf(err))
	}

	n := res.Length
	if n > len(buf) {
		n = len(buf)
	}
	return encodeRecvResult(res, buf[:n])
}
