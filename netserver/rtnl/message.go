// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"bytes"
	"net/netip"
	"syscall"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

const operStateUp = 6

var errMalformed = errors.New("malformed netlink message")

// Message is one netlink message taken from a request buffer.
type Message struct {
	Header unix.NlMsghdr
	Data   []byte
}

func nlmAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) & ^(unix.NLMSG_ALIGNTO - 1)
}

func decodeHeader(b []byte) unix.NlMsghdr {
	ne := nl.NativeEndian()
	return unix.NlMsghdr{
		Len:   ne.Uint32(b[0:4]),
		Type:  ne.Uint16(b[4:6]),
		Flags: ne.Uint16(b[6:8]),
		Seq:   ne.Uint32(b[8:12]),
		Pid:   ne.Uint32(b[12:16]),
	}
}

// SplitMessages walks a buffer of aligned netlink messages. On a malformed
// tail the messages decoded so far are returned together with an error.
func SplitMessages(b []byte) ([]Message, error) {
	var msgs []Message

	for len(b) >= unix.NLMSG_HDRLEN {
		h := decodeHeader(b)
		if int(h.Len) < unix.NLMSG_HDRLEN || int(h.Len) > len(b) {
			return msgs, errMalformed
		}

		msgs = append(msgs, Message{Header: h, Data: b[unix.NLMSG_HDRLEN:h.Len]})

		next := nlmAlign(int(h.Len))
		if next > len(b) {
			next = len(b)
		}
		b = b[next:]
	}

	if len(b) != 0 {
		return msgs, errMalformed
	}
	return msgs, nil
}

// parseAttrs decodes the rtattr list following a fixed header of size off.
func parseAttrs(data []byte, off int) ([]syscall.NetlinkRouteAttr, error) {
	if len(data) <= off {
		return nil, nil
	}

	// ParseRouteAttr steps by the aligned length, so pad the last attribute.
	attrs := make([]byte, nlmAlign(len(data)-off))
	copy(attrs, data[off:])

	return nl.ParseRouteAttr(attrs)
}

func attrAddr(v []byte) (netip.Addr, error) {
	if len(v) < 4 {
		return netip.Addr{}, unix.EINVAL
	}
	return netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]}), nil
}

func attrUint32(v []byte) (uint32, error) {
	if len(v) < 4 {
		return 0, unix.EINVAL
	}
	return nl.NativeEndian().Uint32(v[:4]), nil
}

func attrString(v []byte) string {
	return string(bytes.TrimRight(v, "\x00"))
}

// addrBytes encodes an IPv4 address. Any other address yields nil.
func addrBytes(a netip.Addr) []byte {
	a = a.Unmap()
	if !a.Is4() {
		return nil
	}
	b := a.As4()
	return b[:]
}

func isIPv6(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6()
}

// errorPayload is the body of an NLMSG_ERROR message: a negative errno
// followed by the header of the request it answers.
type errorPayload struct {
	errno  int32
	header unix.NlMsghdr
}

func (e *errorPayload) Len() int {
	return 4 + unix.NLMSG_HDRLEN
}

func (e *errorPayload) Serialize() []byte {
	ne := nl.NativeEndian()
	b := make([]byte, e.Len())
	ne.PutUint32(b[0:4], uint32(e.errno))
	ne.PutUint32(b[4:8], e.header.Len)
	ne.PutUint16(b[8:10], e.header.Type)
	ne.PutUint16(b[10:12], e.header.Flags)
	ne.PutUint32(b[12:16], e.header.Seq)
	ne.PutUint32(b[16:20], e.header.Pid)
	return b
}

func newReply(req unix.NlMsghdr, typ, flags uint16) *nl.NetlinkRequest {
	return &nl.NetlinkRequest{
		NlMsghdr: unix.NlMsghdr{
			Type:  typ,
			Flags: flags,
			Seq:   req.Seq,
			Pid:   req.Pid,
		},
	}
}

// errorMessage answers req with the given errno. A zero errno is an ACK.
func errorMessage(req unix.NlMsghdr, errno unix.Errno) []byte {
	r := newReply(req, unix.NLMSG_ERROR, 0)
	r.AddData(&errorPayload{errno: -int32(errno), header: req})
	return r.Serialize()
}

func ackMessage(req unix.NlMsghdr) []byte {
	return errorMessage(req, 0)
}

func doneMessage(req unix.NlMsghdr) []byte {
	r := newReply(req, unix.NLMSG_DONE, unix.NLM_F_MULTI)
	r.RawData = make([]byte, 4)
	return r.Serialize()
}

func linkMessage(req unix.NlMsghdr, link *nic.Link) []byte {
	r := newReply(req, unix.RTM_NEWLINK, unix.NLM_F_MULTI)

	msg := nl.NewIfInfomsg(unix.AF_UNSPEC)
	msg.Type = unix.ARPHRD_ETHER
	msg.Index = int32(link.Index())
	msg.Flags = unix.IFF_UP | unix.IFF_RUNNING | link.Flags()
	r.AddData(msg)

	mac := link.MAC()
	r.AddData(nl.NewRtAttr(unix.IFLA_IFNAME, nl.ZeroTerminated(link.Name())))
	r.AddData(nl.NewRtAttr(unix.IFLA_ADDRESS, mac[:]))
	r.AddData(nl.NewRtAttr(unix.IFLA_BROADCAST, nic.BroadcastMac[:]))
	r.AddData(nl.NewRtAttr(unix.IFLA_MTU, nl.Uint32Attr(uint32(link.MTU()))))
	r.AddData(nl.NewRtAttr(unix.IFLA_TXQLEN, nl.Uint32Attr(1000)))
	r.AddData(nl.NewRtAttr(unix.IFLA_OPERSTATE, []byte{operStateUp}))

	if driver := link.Driver(); driver != "" {
		info := nl.NewRtAttr(unix.IFLA_LINKINFO, nil)
		info.AddRtAttr(nl.IFLA_INFO_KIND, nl.ZeroTerminated(driver))
		r.AddData(info)
	}

	return r.Serialize()
}

// routeMessage returns nil for a route this IPv4 server cannot describe.
func routeMessage(req unix.NlMsghdr, rt route.Route) []byte {
	if isIPv6(rt.Dst.Addr()) || isIPv6(rt.Gateway) || isIPv6(rt.Source) {
		return nil
	}

	r := newReply(req, unix.RTM_NEWROUTE, unix.NLM_F_MULTI)

	family := rt.Family
	if family == 0 {
		family = unix.AF_INET
	}

	msg := &nl.RtMsg{
		RtMsg: unix.RtMsg{
			Family:   family,
			Dst_len:  uint8(rt.Dst.Bits()),
			Table:    unix.RT_TABLE_MAIN,
			Protocol: rt.Protocol,
			Scope:    rt.Scope,
			Type:     rt.Type,
			Flags:    rt.Flags,
		},
	}
	r.AddData(msg)

	r.AddData(nl.NewRtAttr(unix.RTA_TABLE, nl.Uint32Attr(unix.RT_TABLE_MAIN)))
	if rt.Dst.Bits() > 0 {
		r.AddData(nl.NewRtAttr(unix.RTA_DST, addrBytes(rt.Dst.Addr())))
	}
	if rt.HasGateway() {
		r.AddData(nl.NewRtAttr(unix.RTA_GATEWAY, addrBytes(rt.Gateway)))
	}
	if rt.HasSource() {
		r.AddData(nl.NewRtAttr(unix.RTA_PREFSRC, addrBytes(rt.Source)))
	}
	if rt.Link != nil {
		r.AddData(nl.NewRtAttr(unix.RTA_OIF, nl.Uint32Attr(uint32(rt.Link.Index()))))
	}
	r.AddData(nl.NewRtAttr(unix.RTA_PRIORITY, nl.Uint32Attr(uint32(rt.Metric))))

	return r.Serialize()
}

// addrMessage returns nil unless cidr is an IPv4 binding.
func addrMessage(req unix.NlMsghdr, link *nic.Link, cidr netip.Prefix) []byte {
	if addrBytes(cidr.Addr()) == nil {
		return nil
	}

	r := newReply(req, unix.RTM_NEWADDR, unix.NLM_F_MULTI)

	msg := nl.NewIfAddrmsg(unix.AF_INET)
	msg.Prefixlen = uint8(cidr.Bits())
	msg.Flags = unix.IFA_F_PERMANENT
	msg.Scope = unix.RT_SCOPE_UNIVERSE
	msg.Index = uint32(link.Index())
	r.AddData(msg)

	r.AddData(nl.NewRtAttr(unix.IFA_ADDRESS, addrBytes(cidr.Addr())))
	r.AddData(nl.NewRtAttr(unix.IFA_LOCAL, addrBytes(cidr.Addr())))
	r.AddData(nl.NewRtAttr(unix.IFA_BROADCAST, addrBytes(route.Broadcast(cidr))))
	r.AddData(nl.NewRtAttr(unix.IFA_LABEL, nl.ZeroTerminated(link.Name())))

	return r.Serialize()
}
