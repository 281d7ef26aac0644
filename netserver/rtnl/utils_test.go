// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

const testSeq = 42

type stubDevice struct {
	mac nic.MacAddress
}

func (s *stubDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (s *stubDevice) Send(ctx context.Context, frame []byte) error { return nil }
func (s *stubDevice) HardwareAddr() nic.MacAddress                 { return s.mac }
func (s *stubDevice) MTU() int                                     { return 1500 }
func (s *stubDevice) Flags() uint32                                { return 0 }
func (s *stubDevice) Close() error                                 { return nil }

// newTestHandler registers one link per MAC, in order.
func newTestHandler(t *testing.T, macs ...nic.MacAddress) *Handler {
	h := &Handler{
		Links:  nic.NewRegistry(),
		Routes: route.NewTable(),
	}
	for i, mac := range macs {
		_, err := h.Links.Register(int64(i+100), nic.NewLink(&stubDevice{mac: mac}))
		assert.NoError(t, err)
	}
	return h
}

func buildRequest(typ, flags uint16, data ...nl.NetlinkRequestData) []byte {
	req := &nl.NetlinkRequest{
		NlMsghdr: unix.NlMsghdr{
			Type:  typ,
			Flags: flags,
			Seq:   testSeq,
		},
	}
	for _, d := range data {
		req.AddData(d)
	}
	return req.Serialize()
}

func buildMessage(t *testing.T, typ, flags uint16, data ...nl.NetlinkRequestData) Message {
	msgs, err := SplitMessages(buildRequest(typ, flags, data...))
	assert.NoError(t, err)
	assert.Len(t, msgs, 1)
	return msgs[0]
}

func parseReplies(t *testing.T, replies [][]byte) []syscall.NetlinkMessage {
	var out []syscall.NetlinkMessage
	for _, r := range replies {
		msgs, err := syscall.ParseNetlinkMessage(r)
		assert.NoError(t, err)
		assert.Len(t, msgs, 1)
		out = append(out, msgs...)
	}
	return out
}

// replyErrno decodes an NLMSG_ERROR reply. Zero means ACK.
func replyErrno(t *testing.T, m syscall.NetlinkMessage) unix.Errno {
	assert.Equal(t, uint16(unix.NLMSG_ERROR), m.Header.Type)
	assert.True(t, len(m.Data) >= 4+unix.NLMSG_HDRLEN)
	code := int32(nl.NativeEndian().Uint32(m.Data[0:4]))
	return unix.Errno(-code)
}

func replyAttrs(t *testing.T, m syscall.NetlinkMessage, off int) map[uint16][]byte {
	attrs, err := nl.ParseRouteAttr(m.Data[off:])
	assert.NoError(t, err)

	out := make(map[uint16][]byte)
	for _, a := range attrs {
		out[a.Attr.Type] = a.Value
	}
	return out
}

func ip4(s string) []byte {
	return []byte(net.ParseIP(s).To4())
}

func routeRequest(dstLen uint8) *nl.RtMsg {
	msg := nl.NewRtMsg()
	msg.Family = unix.AF_INET
	msg.Dst_len = dstLen
	return msg
}
