// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netserver

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/rtnl"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

// RecvResult describes one completed receive on a Socket.
type RecvResult struct {
	// Length is the full size of the message, which may exceed the bytes copied.
	Length int
	Flags  int
	// Addr is the encoded source address.
	Addr []byte
}

// Socket is a socket created on behalf of a client.
type Socket interface {
	SendMsg(ctx context.Context, data []byte, flags int) (int, error)
	RecvMsg(ctx context.Context, buf []byte, flags int) (RecvResult, error)
	Sockname() ([]byte, error)
	Close() error
}

// SocketProvider creates sockets for a domain the server does not serve
// itself, such as AF_INET or AF_PACKET.
type SocketProvider func(ctx context.Context, typ, protocol, flags int) (Socket, error)

// RegisterSocketProvider attaches p to a socket domain.
func (s *Server) RegisterSocketProvider(domain int, p SocketProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers[domain] = p
}

// CreateSocket creates a socket. Netlink sockets are served directly;
// internet and packet sockets go to the provider registered for the domain.
func (s *Server) CreateSocket(ctx context.Context, domain, typ, protocol, flags int) (Socket, error) {
	span, ctx := nstrace.Trace(ctx, serverLogger(), "CreateSocket", "domain", fmt.Sprint(domain))
	defer span.Finish()

	logger := serverLogger().WithField("domain", domain).WithField("type", typ).WithField("protocol", protocol)

	var sock Socket

	switch domain {
	case unix.AF_NETLINK:
		if protocol != unix.NETLINK_ROUTE {
			logger.Warn("Unsupported netlink protocol")
			return nil, errors.Wrapf(ErrIllegalArguments, "netlink protocol %d", protocol)
		}
		sock = &netlinkSocket{server: s, Socket: rtnl.NewSocket(s.netlink, flags)}
	case unix.AF_INET, unix.AF_PACKET:
		s.mu.Lock()
		p, ok := s.providers[domain]
		s.mu.Unlock()

		if !ok {
			return nil, errors.Wrapf(ErrAddressFamilyNotSupported, "domain %d", domain)
		}

		inner, err := p(ctx, typ, protocol, flags)
		if err != nil {
			return nil, err
		}
		sock = &providedSocket{server: s, Socket: inner}
	default:
		logger.Warn("Unsupported socket domain")
		return nil, errors.Wrapf(ErrIllegalArguments, "domain %d", domain)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return nil, ErrServerClosed
	}
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	logger.Debug("Socket created")
	return sock, nil
}

func (s *Server) forget(sock Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sockets, sock)
}

// netlinkSocket adapts rtnl.Socket to Socket.
type netlinkSocket struct {
	*rtnl.Socket
	server *Server
}

func (n *netlinkSocket) RecvMsg(ctx context.Context, buf []byte, flags int) (RecvResult, error) {
	res, err := n.Socket.RecvMsg(ctx, buf, flags)
	if err != nil {
		return RecvResult{}, err
	}

	addr, err := res.Addr.MarshalBinary()
	if err != nil {
		return RecvResult{}, err
	}

	return RecvResult{Length: res.Length, Flags: res.Flags, Addr: addr}, nil
}

func (n *netlinkSocket) Sockname() ([]byte, error) {
	return n.Socket.Sockname().MarshalBinary()
}

func (n *netlinkSocket) Close() error {
	n.server.forget(n)
	return n.Socket.Close()
}

// providedSocket tracks a socket from a SocketProvider.
type providedSocket struct {
	Socket
	server *Server
}

func (p *providedSocket) Close() error {
	p.server.forget(p)
	return p.Socket.Close()
}
