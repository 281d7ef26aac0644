// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package route

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
)

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

func newTestLinks(t *testing.T, n int) (*nic.Registry, []*nic.Link) {
	reg := nic.NewRegistry()
	var links []*nic.Link
	for i := 0; i < n; i++ {
		l := nic.NewLink(&stubDevice{mac: nic.MacAddress{0x02, 0, 0, 0, 0, byte(i + 1)}})
		_, err := reg.Register(int64(i+1), l)
		assert.NoError(t, err)
		links = append(links, l)
	}
	return reg, links
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestLookupLongestPrefix(t *testing.T) {
	assert := assert.New(t)

	tbl := NewTable()

	r8 := New()
	r8.Dst = mustPrefix("10.0.0.0/8")
	r8.Gateway = mustAddr("192.168.0.1")
	tbl.AddRoute(r8)

	r16 := New()
	r16.Dst = mustPrefix("10.1.0.0/16")
	r16.Gateway = mustAddr("192.168.0.2")
	tbl.AddRoute(r16)

	def := New()
	def.Gateway = mustAddr("192.168.0.254")
	tbl.AddRoute(def)

	r, ok := tbl.Lookup(mustAddr("10.1.2.3"))
	assert.True(ok)
	assert.Equal(mustPrefix("10.1.0.0/16"), r.Dst)

	r, ok = tbl.Lookup(mustAddr("10.2.0.1"))
	assert.True(ok)
	assert.Equal(mustPrefix("10.0.0.0/8"), r.Dst)

	r, ok = tbl.Lookup(mustAddr("8.8.8.8"))
	assert.True(ok)
	assert.Equal(mustAddr("192.168.0.254"), r.Gateway)
}

func TestLookupMetricTieBreak(t *testing.T) {
	assert := assert.New(t)

	tbl := NewTable()

	a := New()
	a.Dst = mustPrefix("172.16.0.0/12")
	a.Gateway = mustAddr("10.0.0.1")
	a.Metric = 100
	tbl.AddRoute(a)

	b := a
	b.Gateway = mustAddr("10.0.0.2")
	b.Metric = 10
	tbl.AddRoute(b)

	c := a
	c.Gateway = mustAddr("10.0.0.3")
	c.Metric = 10
	tbl.AddRoute(c)

	r, ok := tbl.Lookup(mustAddr("172.16.5.5"))
	assert.True(ok)
	assert.Equal(mustAddr("10.0.0.2"), r.Gateway)
}

func TestLookupEmpty(t *testing.T) {
	_, ok := NewTable().Lookup(mustAddr("1.2.3.4"))
	assert.False(t, ok)
}

func TestAddRouteKeepsDuplicatesAndMasks(t *testing.T) {
	assert := assert.New(t)

	tbl := NewTable()
	r := New()
	r.Dst = netip.PrefixFrom(mustAddr("10.1.2.3"), 16)
	tbl.AddRoute(r)
	tbl.AddRoute(r)

	routes := tbl.Routes()
	assert.Len(routes, 2)
	assert.Equal(mustPrefix("10.1.0.0/16"), routes[0].Dst)
}

// Deletion ignores the destination: both routes share gateway, source and
// link, so a single delete candidate removes them all.
func TestRemoveIgnoresDestination(t *testing.T) {
	assert := assert.New(t)

	_, links := newTestLinks(t, 1)
	tbl := NewTable()

	a := New()
	a.Dst = mustPrefix("10.0.0.0/8")
	a.Gateway = mustAddr("192.168.1.1")
	a.Link = links[0]
	tbl.AddRoute(a)

	b := a
	b.Dst = mustPrefix("172.16.0.0/12")
	tbl.AddRoute(b)

	other := a
	other.Gateway = mustAddr("192.168.1.2")
	tbl.AddRoute(other)

	candidate := Route{Gateway: mustAddr("192.168.1.1"), Link: links[0]}
	assert.Equal(2, tbl.RemoveMatching(candidate))

	routes := tbl.Routes()
	assert.Len(routes, 1)
	assert.Equal(mustAddr("192.168.1.2"), routes[0].Gateway)

	assert.Equal(0, tbl.RemoveMatching(candidate))
}

func TestRemoveRouteFirstMatch(t *testing.T) {
	assert := assert.New(t)

	tbl := NewTable()
	a := New()
	a.Dst = mustPrefix("10.0.0.0/8")
	a.Gateway = mustAddr("192.168.1.1")
	b := a
	b.Dst = mustPrefix("11.0.0.0/8")
	tbl.AddRoute(a)
	tbl.AddRoute(b)

	assert.True(tbl.RemoveRoute(Route{Gateway: mustAddr("192.168.1.1")}))
	routes := tbl.Routes()
	assert.Len(routes, 1)
	assert.Equal(mustPrefix("11.0.0.0/8"), routes[0].Dst)

	assert.False(tbl.RemoveRoute(Route{Gateway: mustAddr("1.1.1.1")}))
}

func TestRouteEqualNormalizesUnspecified(t *testing.T) {
	assert := assert.New(t)

	a := Route{Gateway: netip.IPv4Unspecified()}
	b := Route{}
	assert.True(a.Equal(b))
	assert.False(a.HasGateway())

	c := Route{Source: mustAddr("10.0.0.5")}
	assert.False(c.Equal(b))
}

func TestSetLinkCidrByIndex(t *testing.T) {
	assert := assert.New(t)

	_, links := newTestLinks(t, 2)
	tbl := NewTable()

	for bits := 0; bits <= 32; bits++ {
		cidr := netip.PrefixFrom(mustAddr("10.0.0.5"), bits)
		tbl.SetLink(cidr, links[0])

		got, ok := tbl.CidrByIndex(links[0].Index())
		assert.True(ok)
		assert.Equal(cidr, got)
		assert.Equal(mustAddr("10.0.0.5"), got.Addr())
		assert.Equal(bits, got.Bits())
	}

	_, ok := tbl.CidrByIndex(links[1].Index())
	assert.False(ok)

	// rebinding keeps only one connected route for the link
	connected := 0
	for _, r := range tbl.Routes() {
		if r.Link == links[0] && r.Scope == unix.RT_SCOPE_LINK {
			connected++
			assert.Equal(mustPrefix("10.0.0.5/32"), r.Dst)
		}
	}
	assert.Equal(1, connected)

	l, ok := tbl.LocalAddress(mustAddr("10.0.0.5"))
	assert.True(ok)
	assert.Equal(links[0], l)
	_, ok = tbl.LocalAddress(mustAddr("10.0.0.6"))
	assert.False(ok)
}

func TestConnectedRouteLookup(t *testing.T) {
	assert := assert.New(t)

	_, links := newTestLinks(t, 1)
	tbl := NewTable()
	tbl.SetLink(mustPrefix("192.168.1.10/24"), links[0])

	r, ok := tbl.Lookup(mustAddr("192.168.1.77"))
	assert.True(ok)
	assert.Equal(links[0], r.Link)
	assert.Equal(mustAddr("192.168.1.10"), r.Source)
	assert.False(r.HasGateway())
}

func TestBroadcastAndMask(t *testing.T) {
	type testData struct {
		cidr      string
		broadcast string
		mask      uint32
	}

	data := []testData{
		{"192.168.1.10/24", "192.168.1.255", 0xffffff00},
		{"10.0.0.5/8", "10.255.255.255", 0xff000000},
		{"10.0.0.5/32", "10.0.0.5", 0xffffffff},
		{"10.0.0.5/0", "255.255.255.255", 0},
		{"172.16.3.4/20", "172.16.15.255", 0xfffff000},
	}

	for _, d := range data {
		t.Run(d.cidr, func(t *testing.T) {
			p := netip.MustParsePrefix(d.cidr)
			assert.Equal(t, mustAddr(d.broadcast), Broadcast(p))
			assert.Equal(t, d.mask, Mask(p.Bits()))
		})
	}
}

func TestUint32RoundTrip(t *testing.T) {
	assert := assert.New(t)

	a := mustAddr("10.1.2.3")
	assert.Equal(uint32(0x0a010203), Uint32(a))
	assert.Equal(a, AddrFromUint32(0x0a010203))
	assert.Equal(uint32(0), Uint32(netip.Addr{}))
}
