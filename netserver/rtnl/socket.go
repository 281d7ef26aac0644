// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var (
	// ErrWouldBlock is returned by a non-blocking receive on an empty queue.
	ErrWouldBlock = errors.New("operation would block")
	// ErrClosed is returned once the socket has been closed.
	ErrClosed = errors.New("socket closed")
)

// Address is a netlink socket address.
type Address struct {
	Pid    uint32
	Groups uint32
}

// MarshalBinary encodes the address as a struct sockaddr_nl.
func (a Address) MarshalBinary() ([]byte, error) {
	ne := nl.NativeEndian()
	b := make([]byte, unix.SizeofSockaddrNetlink)
	ne.PutUint16(b[0:2], unix.AF_NETLINK)
	ne.PutUint32(b[4:8], a.Pid)
	ne.PutUint32(b[8:12], a.Groups)
	return b, nil
}

// RecvResult describes one completed receive.
type RecvResult struct {
	// Length is the full size of the message, which may exceed the bytes copied.
	Length int
	Flags  int
	Addr   Address
}

type packet struct {
	group uint32
	data  []byte
}

// Socket is a netlink socket held by one client. Requests are answered by
// queuing replies that the client then receives in order.
type Socket struct {
	handler *Handler
	flags   int

	mu    sync.Mutex
	queue []packet

	bell      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocket returns a socket answering requests with h.
func NewSocket(h *Handler, flags int) *Socket {
	return &Socket{
		handler: h,
		flags:   flags,
		bell:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (s *Socket) ring() {
	select {
	case s.bell <- struct{}{}:
	default:
	}
}

func (s *Socket) enqueue(group uint32, msgs [][]byte) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	for _, m := range msgs {
		s.queue = append(s.queue, packet{group: group, data: m})
	}
	s.mu.Unlock()

	s.ring()
}

// Pending returns the number of queued replies.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// SendMsg processes every message in data and queues the replies. It
// returns the number of bytes consumed.
func (s *Socket) SendMsg(ctx context.Context, data []byte, flags int) (int, error) {
	span, ctx := nstrace.Trace(ctx, rtnlLog, "SendMsg")
	defer span.Finish()

	select {
	case <-s.closed:
		return 0, ErrClosed
	default:
	}

	if flags != 0 {
		return 0, errors.Wrapf(ErrIllegalArguments, "unsupported send flags %#x", flags)
	}

	msgs, splitErr := SplitMessages(data)
	span.SetTag("messages", len(msgs))

	for _, m := range msgs {
		msgSpan, _ := nstrace.TraceNetlink(ctx, rtnlLog, typeName(m.Header.Type), m.Header)
		replies, done, err := s.handler.Handle(m)
		msgSpan.SetTag("replies", len(replies))
		nstrace.SetError(msgSpan, err)
		msgSpan.Finish()

		s.enqueue(0, replies)
		if err != nil {
			return 0, err
		}
		if done {
			return len(data), nil
		}
	}

	if splitErr != nil {
		return 0, errors.Wrap(ErrIllegalArguments, splitErr.Error())
	}

	return len(data), nil
}

// RecvMsg copies the next queued reply into buf, waiting until one is
// available. MSG_PEEK leaves the reply queued, MSG_DONTWAIT fails with
// ErrWouldBlock instead of waiting. A cancelled context returns without
// consuming anything.
func (s *Socket) RecvMsg(ctx context.Context, buf []byte, flags int) (RecvResult, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			if flags&unix.MSG_PEEK == 0 {
				s.queue = s.queue[1:]
			}
			remaining := len(s.queue)
			s.mu.Unlock()

			// Keep the bell ringing for peeked or remaining replies.
			if remaining > 0 {
				s.ring()
			}

			n := copy(buf, p.data)
			res := RecvResult{
				Length: len(p.data),
				Addr:   Address{Groups: p.group},
			}
			if n < len(p.data) && flags&unix.MSG_TRUNC == 0 {
				res.Flags |= unix.MSG_TRUNC
			}
			return res, nil
		}
		s.mu.Unlock()

		if flags&unix.MSG_DONTWAIT != 0 {
			return RecvResult{}, ErrWouldBlock
		}

		select {
		case <-s.bell:
		case <-s.closed:
			return RecvResult{}, ErrClosed
		case <-ctx.Done():
			return RecvResult{}, ctx.Err()
		}
	}
}

// Sockname returns the local address of the socket.
func (s *Socket) Sockname() Address {
	return Address{}
}

// Close releases the socket and wakes any waiting receiver.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
	return nil
}

// Flags returns the flags the socket was created with.
func (s *Socket) Flags() int {
	return s.flags
}
