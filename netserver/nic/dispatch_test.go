// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

var (
	testDst = MacAddress{0x02, 0, 0, 0, 0, 0x01}
	testSrc = MacAddress{0x02, 0, 0, 0, 0, 0x02}
)

func testFrame(etherType EtherType, payload ...byte) []byte {
	l := NewLink(&mockDevice{mac: testSrc})
	frame, p := l.AllocateFrame(testDst, etherType, len(payload))
	copy(p, payload)
	return frame
}

func TestDispatchByEtherType(t *testing.T) {
	assert := assert.New(t)

	feeder := &recordingFeeder{}
	d := &Dispatcher{IP4: feeder, Arp: feeder}
	link := NewLink(&mockDevice{})

	assert.True(d.Dispatch(link, testFrame(EtherTypeIPv4, 0x45, 0x00)))
	assert.Len(feeder.ip4, 1)
	assert.Equal([]byte{0x45, 0x00}, feeder.ip4[0])
	assert.Equal(testDst, feeder.dsts[0])
	assert.Equal(testSrc, feeder.srcs[0])

	assert.True(d.Dispatch(link, testFrame(EtherTypeARP, 0x00, 0x01)))
	assert.Len(feeder.arp, 1)
	assert.Equal(link, feeder.link)

	assert.False(d.Dispatch(link, testFrame(EtherTypeIPv6, 0x60)))
	assert.False(d.Dispatch(link, testFrame(EtherType(0x88cc))))
	assert.Len(feeder.ip4, 1)
	assert.Len(feeder.arp, 1)
}

func TestDispatchShortFrame(t *testing.T) {
	assert := assert.New(t)

	feeder := &recordingFeeder{}
	d := &Dispatcher{IP4: feeder, Arp: feeder}
	link := NewLink(&mockDevice{})

	frame := testFrame(EtherTypeIPv4)
	assert.False(d.Dispatch(link, frame[:13]))
	assert.False(d.Dispatch(link, nil))
	assert.Empty(feeder.ip4)

	// a bare header is still a frame, with an empty payload
	assert.True(d.Dispatch(link, frame))
	assert.Len(feeder.ip4, 1)
	assert.Empty(feeder.ip4[0])
}

func TestDispatchNilHandler(t *testing.T) {
	d := &Dispatcher{}
	assert.False(t, d.Dispatch(NewLink(&mockDevice{}), testFrame(EtherTypeIPv4, 1)))
}

func TestRunDevice(t *testing.T) {
	assert := assert.New(t)

	dev := &mockDevice{
		frames: [][]byte{
			testFrame(EtherTypeIPv4, 1, 2, 3),
			{0x01, 0x02},
			testFrame(EtherTypeARP, 4),
		},
	}
	link := NewLink(dev)
	feeder := &recordingFeeder{}

	err := RunDevice(context.Background(), link, &Dispatcher{IP4: feeder, Arp: feeder})
	assert.Error(err)
	assert.Equal(errMockDeviceDone, errors.Cause(err))
	assert.Len(feeder.ip4, 1)
	assert.Equal([]byte{1, 2, 3}, feeder.ip4[0])
	assert.Len(feeder.arp, 1)
}

func TestRunDeviceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunDevice(ctx, NewLink(&mockDevice{}), &Dispatcher{})
	assert.NoError(t, err)
}
