// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kestrel-os/netserver/netserver/nic"
)

// ErrDeviceClosed is returned by operations on a closed virtual device.
var ErrDeviceClosed = errors.New("device closed")

const virtualQueueLen = 64

// VirtualDevice is an in-memory Ethernet device. Frames sent on one end of
// a pair are received on the other; a lone device drops what it sends.
type VirtualDevice struct {
	mac   nic.MacAddress
	mtu   int
	flags uint32

	rx     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	peer *VirtualDevice
}

// NewVirtual returns an unconnected virtual device.
func NewVirtual(mac nic.MacAddress, mtu int) *VirtualDevice {
	if mtu <= 0 {
		mtu = nic.DefaultMTU
	}
	return &VirtualDevice{
		mac:    mac,
		mtu:    mtu,
		rx:     make(chan []byte, virtualQueueLen),
		closed: make(chan struct{}),
	}
}

// NewVirtualPair returns two virtual devices wired back to back.
func NewVirtualPair(a, b nic.MacAddress, mtu int) (*VirtualDevice, *VirtualDevice) {
	da := NewVirtual(a, mtu)
	db := NewVirtual(b, mtu)
	da.peer = db
	db.peer = da
	return da, db
}

// Driver names the virtual driver.
func (v *VirtualDevice) Driver() string {
	return DriverVirtual
}

// OpenVirtual is the Opener for the virtual driver.
func OpenVirtual(ctx context.Context, e Event, p Properties) (nic.Device, error) {
	mac, err := p.HardwareAddr()
	if err != nil {
		return nil, err
	}
	return NewVirtual(mac, p.MTU), nil
}

// Inject queues a frame as if it had been received from the wire.
func (v *VirtualDevice) Inject(ctx context.Context, frame []byte) error {
	select {
	case <-v.closed:
		return ErrDeviceClosed
	default:
	}

	f := make([]byte, len(frame))
	copy(f, frame)

	select {
	case v.rx <- f:
		return nil
	case <-v.closed:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *VirtualDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case f := <-v.rx:
		return copy(buf, f), nil
	case <-v.closed:
		return 0, ErrDeviceClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (v *VirtualDevice) Send(ctx context.Context, frame []byte) error {
	select {
	case <-v.closed:
		return ErrDeviceClosed
	default:
	}

	v.mu.Lock()
	peer := v.peer
	v.mu.Unlock()

	if peer == nil {
		return nil
	}
	return peer.Inject(ctx, frame)
}

func (v *VirtualDevice) HardwareAddr() nic.MacAddress {
	return v.mac
}

func (v *VirtualDevice) MTU() int {
	return v.mtu
}

func (v *VirtualDevice) Flags() uint32 {
	return v.flags
}

// Close stops the device. Pending and future receives fail.
func (v *VirtualDevice) Close() error {
	v.once.Do(func() {
		close(v.closed)
	})
	return nil
}
