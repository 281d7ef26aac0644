// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux

package device

import (
	"context"
	"net"
	"time"

	"github.com/mdlayher/packet"
	"github.com/pkg/errors"
	"github.com/safchain/ethtool"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/pkg/nsutils"
)

// PacketDevice drives a host interface through an AF_PACKET socket.
type PacketDevice struct {
	conn   *packet.Conn
	name   string
	driver string
	mac    nic.MacAddress
	mtu    int
	flags  uint32
}

func packetLogger() *logrus.Entry {
	return deviceLog.WithField("subsystem", "packet")
}

// OpenPacket is the Opener for the packet driver. The interface is looked
// up, and the socket bound, inside the configured network namespace.
func OpenPacket(ctx context.Context, e Event, p Properties) (nic.Device, error) {
	if p.Interface == "" {
		return nil, errors.Errorf("device %d: packet driver needs an interface", e.ID)
	}

	var dev *PacketDevice

	err := nsutils.EnterNetNS(p.NetNS, func() error {
		link, err := netlink.LinkByName(p.Interface)
		if err != nil {
			return errors.Wrapf(err, "lookup %s", p.Interface)
		}
		attrs := link.Attrs()

		ifi, err := net.InterfaceByIndex(attrs.Index)
		if err != nil {
			return err
		}

		conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", p.Interface)
		}

		dev = &PacketDevice{
			conn:   conn,
			name:   p.Interface,
			driver: driverName(p.Interface),
			mac:    nic.MacFromSlice(attrs.HardwareAddr),
			mtu:    attrs.MTU,
			flags:  attrs.RawFlags &^ (unix.IFF_UP | unix.IFF_RUNNING),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.MTU > 0 {
		dev.mtu = p.MTU
	}
	if mac, err := p.HardwareAddr(); err == nil && !mac.IsZero() {
		dev.mac = mac
	}

	return dev, nil
}

// driverName asks ethtool for the kernel driver of the host interface.
// Interfaces ethtool cannot describe report "packet".
func driverName(name string) string {
	logger := packetLogger().WithField("interface", name)

	e, err := ethtool.NewEthtool()
	if err != nil {
		logger.WithError(err).Debug("ethtool unavailable")
		return DriverPacket
	}
	defer e.Close()

	driver, err := e.DriverName(name)
	if err != nil || driver == "" {
		logger.WithError(err).Debug("Cannot read driver name")
		return DriverPacket
	}

	logger.WithField("driver", driver).Info("Opened host interface")
	return driver
}

// Receive reads one frame. Cancelling ctx interrupts a blocked read.
func (d *PacketDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		d.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, _, err := d.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return n, nil
}

// Send writes a frame to the destination MAC found in its header.
func (d *PacketDevice) Send(ctx context.Context, frame []byte) error {
	if len(frame) < nic.EthernetHeaderLen {
		return errors.New("frame shorter than an Ethernet header")
	}

	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetWriteDeadline(deadline)
	}

	_, err := d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])})
	return err
}

func (d *PacketDevice) HardwareAddr() nic.MacAddress {
	return d.mac
}

func (d *PacketDevice) MTU() int {
	return d.mtu
}

func (d *PacketDevice) Flags() uint32 {
	return d.flags
}

// Driver returns the kernel driver of the host interface.
func (d *PacketDevice) Driver() string {
	return d.driver
}

// Close closes the packet socket.
func (d *PacketDevice) Close() error {
	return d.conn.Close()
}
