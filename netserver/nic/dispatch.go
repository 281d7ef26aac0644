// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// IP4Feeder consumes IPv4 frames. payload is the frame past the Ethernet header.
type IP4Feeder interface {
	FeedPacket(dst, src MacAddress, frame, payload []byte)
}

// ArpFeeder consumes ARP frames received on link.
type ArpFeeder interface {
	FeedArp(src MacAddress, payload []byte, link *Link)
}

// Dispatcher routes received frames to the protocol handlers by EtherType.
// A nil handler drops the corresponding frames.
type Dispatcher struct {
	IP4 IP4Feeder
	Arp ArpFeeder
}

func frameLogger(link *Link) *logrus.Entry {
	return nicLog.WithFields(logrus.Fields{
		"subsystem": "dispatch",
		"link":      link.Name(),
	})
}

// Dispatch handles one received frame. It reports false when the frame was dropped.
func (d *Dispatcher) Dispatch(link *Link, frame []byte) bool {
	name := link.Name()

	if len(frame) < EthernetHeaderLen {
		framesDropped.WithLabelValues(name, "short").Inc()
		frameLogger(link).WithField("length", len(frame)).Debug("Dropping short frame")
		return false
	}

	dst := MacFromSlice(frame[0:6])
	src := MacFromSlice(frame[6:12])
	etherType := EtherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[EthernetHeaderLen:]

	switch etherType {
	case EtherTypeIPv4:
		if d.IP4 == nil {
			break
		}
		framesReceived.WithLabelValues(name, etherType.String()).Inc()
		d.IP4.FeedPacket(dst, src, frame, payload)
		return true
	case EtherTypeARP:
		if d.Arp == nil {
			break
		}
		framesReceived.WithLabelValues(name, etherType.String()).Inc()
		d.Arp.FeedArp(src, payload, link)
		return true
	}

	framesDropped.WithLabelValues(name, "ethertype").Inc()
	return false
}

// RunDevice receives frames from the link's device until the context is
// cancelled or the device fails. Each frame gets its own buffer since
// handlers may keep it.
func RunDevice(ctx context.Context, link *Link, d *Dispatcher) error {
	size := EthernetHeaderLen + link.MTU()
	if size < EthernetHeaderLen+DefaultMTU {
		size = EthernetHeaderLen + DefaultMTU
	}

	logger := frameLogger(link).WithField("buffer", size)
	logger.Debug("Starting receive loop")

	for {
		buf := make([]byte, size)

		n, err := link.dev.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("Receive loop cancelled")
				return nil
			}
			logger.WithError(err).Error("Receive failed, stopping link")
			return errors.Wrapf(err, "receive on %s", link.Name())
		}

		d.Dispatch(link, buf[:n])
	}
}
