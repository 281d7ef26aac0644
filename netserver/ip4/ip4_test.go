// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ip4

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"golang.org/x/net/ipv4"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

type recordingDevice struct {
	sync.Mutex

	mac  nic.MacAddress
	sent [][]byte
}

func (d *recordingDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (d *recordingDevice) Send(ctx context.Context, frame []byte) error {
	d.Lock()
	defer d.Unlock()
	d.sent = append(d.sent, frame)
	return nil
}

func (d *recordingDevice) HardwareAddr() nic.MacAddress { return d.mac }
func (d *recordingDevice) MTU() int                     { return 1500 }
func (d *recordingDevice) Flags() uint32                { return 0 }
func (d *recordingDevice) Close() error                 { return nil }

var (
	ourMac  = nic.MacAddress{0x02, 0, 0, 0, 0, 0x01}
	peerMac = nic.MacAddress{0x02, 0, 0, 0, 0, 0x02}
)

func newTestLink(t *testing.T, tbl *route.Table, cidr string) (*nic.Link, *recordingDevice) {
	dev := &recordingDevice{mac: ourMac}
	link := nic.NewLink(dev)
	_, err := nic.NewRegistry().Register(1, link)
	assert.NoError(t, err)
	tbl.SetLink(netip.MustParsePrefix(cidr), link)
	return link, dev
}

func ipPacket(t *testing.T, dst string, proto int, body []byte) []byte {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(body),
		TTL:      64,
		Protocol: proto,
		Src:      net.ParseIP("10.0.0.9"),
		Dst:      net.ParseIP(dst),
	}
	b, err := h.Marshal()
	assert.NoError(t, err)
	// Marshal keeps TotalLen in host order on some platforms; force network order.
	binary.BigEndian.PutUint16(b[2:4], uint16(h.TotalLen))
	return append(b, body...)
}

func TestFeedPacketDelivery(t *testing.T) {
	assert := assert.New(t)

	tbl := route.NewTable()
	newTestLink(t, tbl, "10.0.0.5/24")
	s := NewStack(tbl)

	var got [][]byte
	var protos []int
	s.RegisterProtocol(17, ProtocolHandlerFunc(func(hdr *ipv4.Header, payload []byte) {
		got = append(got, payload)
		protos = append(protos, hdr.Protocol)
	}))

	// trailing Ethernet padding is not part of the payload
	pkt := append(ipPacket(t, "10.0.0.5", 17, []byte{1, 2, 3, 4}), 0, 0)
	s.FeedPacket(ourMac, peerMac, nil, pkt)
	assert.Len(got, 1)
	assert.Equal([]byte{1, 2, 3, 4}, got[0])
	assert.Equal([]int{17}, protos)

	s.FeedPacket(ourMac, peerMac, nil, ipPacket(t, "255.255.255.255", 17, []byte{5}))
	assert.Len(got, 2)

	// not for us
	s.FeedPacket(ourMac, peerMac, nil, ipPacket(t, "10.0.0.6", 17, []byte{6}))
	// no handler for TCP
	s.FeedPacket(ourMac, peerMac, nil, ipPacket(t, "10.0.0.5", 6, []byte{7}))
	// garbage
	s.FeedPacket(ourMac, peerMac, nil, []byte{0x45, 0})
	// truncated body
	s.FeedPacket(ourMac, peerMac, nil, ipPacket(t, "10.0.0.5", 17, []byte{1, 2, 3, 4})[:22])
	assert.Len(got, 2)
}

func TestStackRoute(t *testing.T) {
	assert := assert.New(t)

	tbl := route.NewTable()
	link, _ := newTestLink(t, tbl, "10.0.0.5/24")
	s := NewStack(tbl)

	r, ok := s.Route(netip.MustParseAddr("10.0.0.77"))
	assert.True(ok)
	assert.Equal(link, r.Link)

	_, ok = s.Route(netip.MustParseAddr("8.8.8.8"))
	assert.False(ok)
}

func arpPayload(t *testing.T, op uint16, senderIP, targetIP string) []byte {
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   peerMac[:],
		SourceProtAddress: net.ParseIP(senderIP).To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.ParseIP(targetIP).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	assert.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, a))
	return buf.Bytes()
}

func TestFeedArpAnswersRequest(t *testing.T) {
	assert := assert.New(t)

	tbl := route.NewTable()
	link, dev := newTestLink(t, tbl, "10.0.0.5/24")
	n := NewNeighbors(tbl)

	n.FeedArp(peerMac, arpPayload(t, layers.ARPRequest, "10.0.0.9", "10.0.0.5"), link)

	mac, ok := n.Lookup(netip.MustParseAddr("10.0.0.9"))
	assert.True(ok)
	assert.Equal(peerMac, mac)

	assert.Len(dev.sent, 1)
	frame := dev.sent[0]
	assert.Equal(peerMac[:], frame[0:6])
	assert.Equal(ourMac[:], frame[6:12])
	assert.Equal(uint16(nic.EtherTypeARP), binary.BigEndian.Uint16(frame[12:14]))

	p := gopacket.NewPacket(frame[nic.EthernetHeaderLen:], layers.LayerTypeARP, gopacket.Default)
	reply, ok := p.Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.True(ok)
	assert.Equal(uint16(layers.ARPReply), reply.Operation)
	assert.Equal([]byte(net.ParseIP("10.0.0.5").To4()), reply.SourceProtAddress)
	assert.Equal(ourMac[:], reply.SourceHwAddress)
	assert.Equal(peerMac[:], reply.DstHwAddress)
}

func TestFeedArpIgnoresOthers(t *testing.T) {
	assert := assert.New(t)

	tbl := route.NewTable()
	link, dev := newTestLink(t, tbl, "10.0.0.5/24")
	n := NewNeighbors(tbl)

	n.FeedArp(peerMac, arpPayload(t, layers.ARPRequest, "10.0.0.9", "10.0.0.6"), link)
	n.FeedArp(peerMac, arpPayload(t, layers.ARPReply, "10.0.0.10", "10.0.0.5"), link)
	n.FeedArp(peerMac, []byte{0, 1, 2}, link)

	assert.Empty(dev.sent)

	_, ok := n.Lookup(netip.MustParseAddr("10.0.0.10"))
	assert.True(ok)
}
