// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package route

import (
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
)

var routeLog = logrus.WithField("source", "netserver/route")

// SetLogger sets the logger for the route package.
func SetLogger(logger *logrus.Entry) {
	fields := routeLog.Data
	routeLog = logger.WithFields(fields)
}

type binding struct {
	cidr netip.Prefix
	link *nic.Link
}

// Table is the IPv4 routing table together with the address bound to each link.
type Table struct {
	sync.RWMutex

	routes   []Route
	bindings map[int]binding
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		bindings: make(map[int]binding),
	}
}

// AddRoute appends a route. Duplicates are kept.
func (t *Table) AddRoute(r Route) {
	if r.Dst.IsValid() {
		r.Dst = r.Dst.Masked()
	}

	t.Lock()
	t.routes = append(t.routes, r)
	t.Unlock()

	routeLog.WithField("route", r.String()).Debug("Route added")
}

// RemoveRoute removes the first route equal to r under Route.Equal. It
// reports whether something was removed.
func (t *Table) RemoveRoute(r Route) bool {
	t.Lock()
	defer t.Unlock()

	return t.removeLocked(r)
}

func (t *Table) removeLocked(r Route) bool {
	for i, cur := range t.routes {
		if cur.Equal(r) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			routeLog.WithField("route", cur.String()).Debug("Route removed")
			return true
		}
	}
	return false
}

// RemoveMatching removes every route equal to r and returns how many went.
func (t *Table) RemoveMatching(r Route) int {
	t.Lock()
	defer t.Unlock()

	n := 0
	for t.removeLocked(r) {
		n++
	}
	return n
}

// Routes returns a snapshot of the table in insertion order.
func (t *Table) Routes() []Route {
	t.RLock()
	defer t.RUnlock()

	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Lookup returns the route with the longest prefix containing dst. Equal
// prefixes are ordered by metric, then by insertion.
func (t *Table) Lookup(dst netip.Addr) (Route, bool) {
	t.RLock()
	defer t.RUnlock()

	best := -1
	for i, r := range t.routes {
		if !r.Dst.Contains(dst) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := t.routes[best]
		if r.Dst.Bits() > b.Dst.Bits() || (r.Dst.Bits() == b.Dst.Bits() && r.Metric < b.Metric) {
			best = i
		}
	}

	if best < 0 {
		return Route{}, false
	}
	return t.routes[best], true
}

// SetLink binds cidr to link, replacing any earlier binding. The connected
// route of the old binding is replaced by one for the new subnet.
func (t *Table) SetLink(cidr netip.Prefix, link *nic.Link) {
	if link == nil {
		return
	}

	t.Lock()
	defer t.Unlock()

	idx := link.Index()
	if old, ok := t.bindings[idx]; ok {
		t.dropConnectedLocked(old)
	}
	t.bindings[idx] = binding{cidr: cidr, link: link}

	t.routes = append(t.routes, connectedRoute(cidr, link))

	routeLog.WithFields(logrus.Fields{
		"link": link.Name(),
		"cidr": cidr.String(),
	}).Info("Address bound")
}

func connectedRoute(cidr netip.Prefix, link *nic.Link) Route {
	r := New()
	r.Dst = cidr.Masked()
	r.Source = cidr.Addr()
	r.Link = link
	r.Protocol = unix.RTPROT_KERNEL
	r.Scope = unix.RT_SCOPE_LINK
	return r
}

func (t *Table) dropConnectedLocked(old binding) {
	want := connectedRoute(old.cidr, old.link)
	for i, r := range t.routes {
		if r.Dst == want.Dst && r.Equal(want) && r.Protocol == want.Protocol && r.Scope == want.Scope {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// CidrByIndex returns the address bound to the link with the given index.
func (t *Table) CidrByIndex(index int) (netip.Prefix, bool) {
	t.RLock()
	defer t.RUnlock()

	b, ok := t.bindings[index]
	return b.cidr, ok
}

// LocalAddress reports whether addr is bound to some link and returns that link.
func (t *Table) LocalAddress(addr netip.Addr) (*nic.Link, bool) {
	t.RLock()
	defer t.RUnlock()

	for _, b := range t.bindings {
		if b.cidr.Addr() == addr {
			return b.link, true
		}
	}
	return nil, false
}
