// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// EthernetHeaderLen is the size of an untagged Ethernet II header.
const EthernetHeaderLen = 14

// DefaultMTU is used when a device reports no MTU of its own.
const DefaultMTU = 1500

// EtherType identifies the protocol carried by an Ethernet frame.
type EtherType uint16

// EtherTypes dispatched by the frame loop.
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86dd
)

func (t EtherType) String() string {
	switch t {
	case EtherTypeIPv4:
		return "ipv4"
	case EtherTypeARP:
		return "arp"
	case EtherTypeIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

var nicLog = logrus.WithField("source", "netserver/nic")

// SetLogger sets the logger for the nic package.
func SetLogger(logger *logrus.Entry) {
	fields := nicLog.Data
	nicLog = logger.WithFields(fields)
}

// MacAddress is a 48 bit Ethernet hardware address.
type MacAddress [6]byte

// BroadcastMac is the Ethernet broadcast address.
var BroadcastMac = MacAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// MacFromSlice copies the first six bytes of b. Shorter input yields the zero address.
func MacFromSlice(b []byte) MacAddress {
	var m MacAddress
	if len(b) >= len(m) {
		copy(m[:], b)
	}
	return m
}

// IsZero reports whether the address is all zeroes, which means "no MAC".
func (m MacAddress) IsZero() bool {
	return m == MacAddress{}
}

// HardwareAddr returns the address as a net.HardwareAddr.
func (m MacAddress) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(m[:])
}

func (m MacAddress) String() string {
	return m.HardwareAddr().String()
}

// Device is the handle a link uses to move frames in and out of the
// hardware or virtual driver backing it.
type Device interface {
	// Receive blocks until a frame is available and copies it into buf.
	Receive(ctx context.Context, buf []byte) (int, error)
	// Send transmits one complete Ethernet frame.
	Send(ctx context.Context, frame []byte) error
	HardwareAddr() MacAddress
	MTU() int
	Flags() uint32
	Close() error
}

// DriverNamer is implemented by devices that know the driver behind them.
type DriverNamer interface {
	Driver() string
}

// Link is one network interface known to the server.
type Link struct {
	index int
	dev   Device
	mac   MacAddress
	mtu   int
}

// NewLink wraps a device. The index is assigned when the link is registered.
func NewLink(dev Device) *Link {
	mtu := dev.MTU()
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	return &Link{
		dev: dev,
		mac: dev.HardwareAddr(),
		mtu: mtu,
	}
}

// Index returns the interface index, 0 until registered.
func (l *Link) Index() int {
	return l.index
}

// Name derives the interface name from the hardware address, or from the
// index when the link has no address.
func (l *Link) Name() string {
	if l.mac.IsZero() {
		return fmt.Sprintf("eth%d", l.index-1)
	}
	return "enx" + hex.EncodeToString(l.mac[:])
}

// MAC returns the hardware address of the link.
func (l *Link) MAC() MacAddress {
	return l.mac
}

// MTU returns the payload MTU of the link.
func (l *Link) MTU() int {
	return l.mtu
}

// Flags returns the device specific interface flags.
func (l *Link) Flags() uint32 {
	return l.dev.Flags()
}

// Driver returns the driver name of the device, empty when unknown.
func (l *Link) Driver() string {
	if d, ok := l.dev.(DriverNamer); ok {
		return d.Driver()
	}
	return ""
}

// Device returns the device handle backing the link.
func (l *Link) Device() Device {
	return l.dev
}

// AllocateFrame returns a frame addressed to `to` from this link, together
// with the payload view following the Ethernet header.
func (l *Link) AllocateFrame(to MacAddress, etherType EtherType, payloadSize int) ([]byte, []byte) {
	frame := make([]byte, EthernetHeaderLen+payloadSize)
	copy(frame[0:6], to[:])
	copy(frame[6:12], l.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(etherType))

	return frame, frame[EthernetHeaderLen:]
}

// Send transmits a frame built with AllocateFrame.
func (l *Link) Send(ctx context.Context, frame []byte) error {
	return l.dev.Send(ctx, frame)
}
