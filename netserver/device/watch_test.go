// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux

package device

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func linkUpdate(typ uint16, name string, index int, flags net.Flags) netlink.LinkUpdate {
	return netlink.LinkUpdate{
		Header: unix.NlMsghdr{Type: typ},
		Link: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{
			Name:  name,
			Index: index,
			Flags: flags,
			MTU:   9000,
		}},
	}
}

func TestHostEvent(t *testing.T) {
	assert := assert.New(t)

	patterns := []string{"eth*", "tap0"}

	e, ok := hostEvent(linkUpdate(unix.RTM_NEWLINK, "eth1", 3, net.FlagUp), patterns)
	assert.True(ok)
	assert.Equal(HostDeviceBase+3, e.ID)

	p, err := e.Decode()
	assert.NoError(err)
	assert.Equal(SubsystemPacket, p.Subsystem)
	assert.Equal("eth1", p.Interface)
	assert.Equal(9000, p.MTU)

	driver, err := SelectDriver(p)
	assert.NoError(err)
	assert.Equal(DriverPacket, driver)

	_, ok = hostEvent(linkUpdate(unix.RTM_NEWLINK, "tap0", 4, net.FlagUp|net.FlagBroadcast), patterns)
	assert.True(ok)

	type testData struct {
		update netlink.LinkUpdate
		reason string
	}

	data := []testData{
		{linkUpdate(unix.RTM_NEWLINK, "eth1", 3, 0), "down"},
		{linkUpdate(unix.RTM_DELLINK, "eth1", 3, net.FlagUp), "removed"},
		{linkUpdate(unix.RTM_NEWLINK, "wlan0", 5, net.FlagUp), "no match"},
		{linkUpdate(unix.RTM_NEWLINK, "tap01", 6, net.FlagUp), "no match"},
		{netlink.LinkUpdate{Header: unix.NlMsghdr{Type: unix.RTM_NEWLINK}}, "no link"},
	}

	for _, d := range data {
		_, ok := hostEvent(d.update, patterns)
		assert.False(ok, d.reason)
	}
}

func TestWatchHostBadPattern(t *testing.T) {
	_, err := WatchHost(context.Background(), []string{"eth[0"})
	assert.Error(t, err)
}
