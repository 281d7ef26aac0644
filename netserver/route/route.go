// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package route

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
)

// Route is one IPv4 routing entry.
type Route struct {
	Dst      netip.Prefix
	Gateway  netip.Addr
	Source   netip.Addr
	Link     *nic.Link
	Metric   int
	Protocol uint8
	Type     uint8
	Scope    uint8
	Flags    uint32
	Family   uint8
}

// New returns a route with the defaults used for netlink created entries:
// the default destination, boot protocol, unicast type and universe scope.
func New() Route {
	return Route{
		Dst:      netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Protocol: unix.RTPROT_BOOT,
		Type:     unix.RTN_UNICAST,
		Scope:    unix.RT_SCOPE_UNIVERSE,
		Family:   unix.AF_INET,
	}
}

// normalize maps 0.0.0.0 and the invalid address to the same "none" value.
func normalize(a netip.Addr) netip.Addr {
	if !a.IsValid() || a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

// HasGateway reports whether the route goes through a gateway.
func (r Route) HasGateway() bool {
	return normalize(r.Gateway).IsValid()
}

// HasSource reports whether the route carries a preferred source.
func (r Route) HasSource() bool {
	return normalize(r.Source).IsValid()
}

// LinkIndex returns the index of the owning link, 0 when there is none.
func (r Route) LinkIndex() int {
	if r.Link == nil {
		return 0
	}
	return r.Link.Index()
}

// Equal compares gateway, source and owning link. The destination is not
// part of the comparison.
func (r Route) Equal(o Route) bool {
	return normalize(r.Gateway) == normalize(o.Gateway) &&
		normalize(r.Source) == normalize(o.Source) &&
		r.LinkIndex() == o.LinkIndex()
}

func (r Route) String() string {
	s := r.Dst.String()
	if r.HasGateway() {
		s += " via " + r.Gateway.String()
	}
	if r.Link != nil {
		s += " dev " + r.Link.Name()
	}
	if r.HasSource() {
		s += " src " + r.Source.String()
	}
	if r.Metric != 0 {
		s += fmt.Sprintf(" metric %d", r.Metric)
	}
	return s
}

// Mask returns the IPv4 netmask for a prefix length in host byte order.
func Mask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << (32 - uint(bits))
}

// Uint32 converts an IPv4 address to host byte order. Other addresses yield 0.
func Uint32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// AddrFromUint32 is the inverse of Uint32.
func AddrFromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Broadcast returns the directed broadcast address of a CIDR binding.
func Broadcast(cidr netip.Prefix) netip.Addr {
	mask := Mask(cidr.Bits())
	return AddrFromUint32((Uint32(cidr.Addr()) & mask) | ^mask)
}
