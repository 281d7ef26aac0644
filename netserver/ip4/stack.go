// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ip4

import (
	"net/netip"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

var ip4Log = logrus.WithField("source", "netserver/ip4")

// SetLogger sets the logger for the ip4 package.
func SetLogger(logger *logrus.Entry) {
	fields := ip4Log.Data
	ip4Log = logger.WithFields(fields)
}

var packets = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "netserver",
		Name:      "ip4_packets_total",
		Help:      "IPv4 packets seen by the stack, by outcome",
	},
	[]string{"result"},
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{packets, arpFrames}
}

// ProtocolHandler receives the payload of IPv4 packets addressed to this host.
type ProtocolHandler interface {
	HandleIP4(hdr *ipv4.Header, payload []byte)
}

// ProtocolHandlerFunc adapts a function to ProtocolHandler.
type ProtocolHandlerFunc func(hdr *ipv4.Header, payload []byte)

// HandleIP4 calls f.
func (f ProtocolHandlerFunc) HandleIP4(hdr *ipv4.Header, payload []byte) {
	f(hdr, payload)
}

// Stack is the ingress side of the IPv4 layer. Transport protocols attach
// with RegisterProtocol.
type Stack struct {
	routes *route.Table

	mu        sync.RWMutex
	protocols map[int]ProtocolHandler
}

// NewStack returns a stack resolving local addresses through routes.
func NewStack(routes *route.Table) *Stack {
	return &Stack{
		routes:    routes,
		protocols: make(map[int]ProtocolHandler),
	}
}

// RegisterProtocol attaches h to an IP protocol number, replacing any
// previous handler.
func (s *Stack) RegisterProtocol(proto int, h ProtocolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.protocols[proto] = h
}

// Route returns the route used to reach dst.
func (s *Stack) Route(dst netip.Addr) (route.Route, bool) {
	return s.routes.Lookup(dst)
}

func drop(result string, fields logrus.Fields) {
	packets.WithLabelValues(result).Inc()
	ip4Log.WithFields(fields).WithField("result", result).Debug("Dropping IPv4 packet")
}

// FeedPacket validates an IPv4 packet and delivers it to the handler of its
// protocol when it is addressed to this host.
func (s *Stack) FeedPacket(dst, src nic.MacAddress, frame, payload []byte) {
	fields := logrus.Fields{"src-mac": src.String(), "dst-mac": dst.String()}

	hdr, err := ipv4.ParseHeader(payload)
	if err != nil {
		fields["error"] = err.Error()
		drop("malformed", fields)
		return
	}
	if hdr.Version != ipv4.Version || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(payload) {
		drop("malformed", fields)
		return
	}

	dstAddr, ok := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok {
		drop("malformed", fields)
		return
	}
	fields["dst"] = dstAddr.String()

	if _, local := s.routes.LocalAddress(dstAddr); !local && dstAddr != netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		drop("not-local", fields)
		return
	}

	s.mu.RLock()
	h := s.protocols[hdr.Protocol]
	s.mu.RUnlock()

	if h == nil {
		fields["protocol"] = hdr.Protocol
		drop("no-protocol", fields)
		return
	}

	packets.WithLabelValues("delivered").Inc()
	h.HandleIP4(hdr, payload[hdr.Len:hdr.TotalLen])
}
