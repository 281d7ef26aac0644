// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ip4

import (
	"context"
	"net/netip"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

var arpFrames = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "netserver",
		Name:      "arp_frames_total",
		Help:      "ARP frames seen, by outcome",
	},
	[]string{"result"},
)

// Neighbors learns IPv4 to MAC mappings from ARP traffic and answers
// requests for the addresses bound to our links.
type Neighbors struct {
	routes *route.Table

	mu    sync.RWMutex
	cache map[netip.Addr]nic.MacAddress
}

// NewNeighbors returns an empty neighbour cache.
func NewNeighbors(routes *route.Table) *Neighbors {
	return &Neighbors{
		routes: routes,
		cache:  make(map[netip.Addr]nic.MacAddress),
	}
}

// Lookup returns the learnt hardware address of addr.
func (n *Neighbors) Lookup(addr netip.Addr) (nic.MacAddress, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	mac, ok := n.cache[addr]
	return mac, ok
}

// FeedArp handles one ARP payload received on link.
func (n *Neighbors) FeedArp(src nic.MacAddress, payload []byte, link *nic.Link) {
	packet := gopacket.NewPacket(payload, layers.LayerTypeARP, gopacket.Default)
	l := packet.Layer(layers.LayerTypeARP)
	if l == nil {
		arpFrames.WithLabelValues("malformed").Inc()
		return
	}
	arp := l.(*layers.ARP)

	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		len(arp.SourceHwAddress) != 6 || len(arp.SourceProtAddress) != 4 || len(arp.DstProtAddress) != 4 {
		arpFrames.WithLabelValues("unsupported").Inc()
		return
	}

	sender := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
	senderMac := nic.MacFromSlice(arp.SourceHwAddress)
	if !sender.IsUnspecified() && !senderMac.IsZero() {
		n.mu.Lock()
		n.cache[sender] = senderMac
		n.mu.Unlock()
	}

	if arp.Operation != layers.ARPRequest {
		arpFrames.WithLabelValues("learned").Inc()
		return
	}

	cidr, ok := n.routes.CidrByIndex(link.Index())
	target := netip.AddrFrom4([4]byte(arp.DstProtAddress))
	if !ok || cidr.Addr() != target {
		arpFrames.WithLabelValues("not-ours").Inc()
		return
	}

	if err := n.reply(link, src, arp); err != nil {
		ip4Log.WithError(err).WithFields(logrus.Fields{
			"link":   link.Name(),
			"target": target.String(),
		}).Warn("Failed to answer ARP request")
		return
	}
	arpFrames.WithLabelValues("answered").Inc()
}

func (n *Neighbors) reply(link *nic.Link, to nic.MacAddress, req *layers.ARP) error {
	mac := link.MAC()

	answer := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   mac[:],
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, answer); err != nil {
		return err
	}

	frame, payload := link.AllocateFrame(to, nic.EtherTypeARP, len(buf.Bytes()))
	copy(payload, buf.Bytes())

	return link.Send(context.Background(), frame)
}
