// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package transport

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"

	"github.com/kestrel-os/netserver/pkg/nsutils"
)

// lockedListener releases the socket lock when closed.
type lockedListener struct {
	net.Listener
	lock *os.File
	once sync.Once
}

func (l *lockedListener) Close() error {
	err := l.Listener.Close()
	l.once.Do(func() {
		nsutils.UnlockSocket(l.lock)
	})
	return err
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}

	lock, err := nsutils.LockSocket(path)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		nsutils.UnlockSocket(lock)
		return nil, errors.Wrap(err, "remove stale socket")
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		nsutils.UnlockSocket(lock)
		return nil, err
	}

	return &lockedListener{Listener: l, lock: lock}, nil
}

// Listen opens the listener configured for the server. A unix socket is
// guarded by a lock file so that a stale socket left by a previous run can
// be replaced without taking over one still in use.
func Listen(c nsutils.Config) (net.Listener, error) {
	switch c.Transport {
	case nsutils.TransportUnix:
		return listenUnix(c.SocketPath)
	case nsutils.TransportVsock:
		return vsock.Listen(c.VsockPort, nil)
	}

	return nil, errors.Errorf("unknown transport %q", c.Transport)
}

// Dial connects to the server described by c. A vsock server is reached
// through the local context id.
func Dial(c nsutils.Config) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)

	switch c.Transport {
	case nsutils.TransportUnix:
		conn, err = net.Dial("unix", c.SocketPath)
	case nsutils.TransportVsock:
		conn, err = vsock.Dial(vsock.Local, c.VsockPort, nil)
	default:
		err = errors.Errorf("unknown transport %q", c.Transport)
	}
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}
