// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
)

// ErrIllegalArguments is returned for requests the server cannot process at all.
var ErrIllegalArguments = errors.New("illegal arguments")

var rtnlLog = logrus.WithField("source", "netserver/rtnl")

// SetLogger sets the logger for the rtnl package.
func SetLogger(logger *logrus.Entry) {
	fields := rtnlLog.Data
	rtnlLog = logger.WithFields(fields)
}

func handlerLogger(h unix.NlMsghdr) *logrus.Entry {
	return rtnlLog.WithFields(logrus.Fields{
		"subsystem": "handler",
		"type":      h.Type,
		"seq":       h.Seq,
	})
}

// Handler answers rtnetlink requests against the link registry and route table.
type Handler struct {
	Links  *nic.Registry
	Routes *route.Table
}

// Handle processes one message and returns the replies to queue. done is
// set when the message terminates the batch.
func (h *Handler) Handle(m Message) (replies [][]byte, done bool, err error) {
	requests.WithLabelValues(typeName(m.Header.Type)).Inc()

	switch m.Header.Type {
	case unix.NLMSG_DONE:
		return nil, true, nil
	case unix.NLMSG_ERROR:
		return nil, true, errors.Wrap(ErrIllegalArguments, "unexpected NLMSG_ERROR in request")
	case unix.RTM_NEWROUTE:
		return h.newRoute(m), false, nil
	case unix.RTM_GETROUTE:
		return h.getRoute(m), false, nil
	case unix.RTM_DELROUTE:
		return h.deleteRoute(m), false, nil
	case unix.RTM_GETLINK:
		return h.getLink(m), false, nil
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		return [][]byte{errorMessage(m.Header, unix.EPERM)}, false, nil
	case unix.RTM_NEWADDR:
		return h.newAddr(m), false, nil
	case unix.RTM_GETADDR:
		return h.getAddr(m), false, nil
	}

	handlerLogger(m.Header).Warn("Unsupported netlink message type")
	return nil, true, errors.Wrapf(ErrIllegalArguments, "unsupported message type %d", m.Header.Type)
}

func (h *Handler) maybeAck(m Message, replies [][]byte) [][]byte {
	if m.Header.Flags&unix.NLM_F_ACK != 0 {
		replies = append(replies, ackMessage(m.Header))
	}
	return replies
}

func fail(m Message, errno unix.Errno) [][]byte {
	handlerLogger(m.Header).WithField("errno", errno.Error()).Debug("Rejecting request")
	return [][]byte{errorMessage(m.Header, errno)}
}

func (h *Handler) getLink(m Message) [][]byte {
	if len(m.Data) < unix.SizeofIfInfomsg {
		return fail(m, unix.EINVAL)
	}
	msg := nl.DeserializeIfInfomsg(m.Data)

	attrs, err := parseAttrs(m.Data, unix.SizeofIfInfomsg)
	if err != nil {
		return fail(m, unix.EINVAL)
	}

	// A present IFLA_IFNAME filters even when empty, and then matches nothing.
	var (
		name    string
		hasName bool
	)
	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.IFLA_IFNAME:
			name = attrString(a.Value)
			hasName = true
		case unix.IFLA_EXT_MASK:
			// Only the default link info is produced, the mask selects nothing extra.
		default:
			handlerLogger(m.Header).WithField("attr", a.Attr.Type).Debug("Ignoring link attribute")
		}
	}

	var replies [][]byte
	if msg.Index == 0 {
		for _, e := range h.Links.All() {
			if hasName && e.Link.Name() != name {
				continue
			}
			replies = append(replies, linkMessage(m.Header, e.Link))
		}
	} else {
		link, ok := h.Links.ByIndex(int(msg.Index))
		if !ok {
			return fail(m, unix.ENODEV)
		}
		if !hasName || link.Name() == name {
			replies = append(replies, linkMessage(m.Header, link))
		}
	}

	return append(replies, doneMessage(m.Header))
}

func (h *Handler) newRoute(m Message) [][]byte {
	if len(m.Data) < unix.SizeofRtMsg {
		return fail(m, unix.EINVAL)
	}
	msg := nl.DeserializeRtMsg(m.Data)

	if msg.Dst_len > 32 {
		return fail(m, unix.EINVAL)
	}
	if msg.Family != unix.AF_UNSPEC && msg.Family != unix.AF_INET {
		return fail(m, unix.EAFNOSUPPORT)
	}

	attrs, err := parseAttrs(m.Data, unix.SizeofRtMsg)
	if err != nil {
		return fail(m, unix.EINVAL)
	}

	rt := route.New()
	changed := false

	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.RTA_DST:
			dst, err := attrAddr(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			rt.Dst = netip.PrefixFrom(dst, int(msg.Dst_len))
			changed = true
		case unix.RTA_GATEWAY:
			gw, err := attrAddr(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			rt.Gateway = gw
			changed = true
		case unix.RTA_PREFSRC:
			src, err := attrAddr(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			rt.Source = src
			changed = true
		case unix.RTA_OIF:
			idx, err := attrUint32(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			link, ok := h.Links.ByIndex(int(idx))
			if !ok {
				handlerLogger(m.Header).WithField("index", idx).Debug("Ignoring unknown output interface")
				continue
			}
			rt.Link = link
			changed = true
		case unix.RTA_PRIORITY:
			prio, err := attrUint32(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			rt.Metric = int(int32(prio))
			changed = true
		default:
			handlerLogger(m.Header).WithField("attr", a.Attr.Type).Debug("Ignoring route attribute")
		}
	}

	if msg.Family != 0 {
		rt.Family = msg.Family
	}
	if msg.Protocol != 0 {
		rt.Protocol = msg.Protocol
	}
	if msg.Type != 0 {
		rt.Type = msg.Type
	}
	if msg.Scope != 0 {
		rt.Scope = msg.Scope
	}
	if msg.Flags != 0 {
		rt.Flags = msg.Flags
	}

	if changed {
		h.Routes.AddRoute(rt)
	}

	return h.maybeAck(m, nil)
}

func (h *Handler) getRoute(m Message) [][]byte {
	if m.Header.Flags != unix.NLM_F_REQUEST|unix.NLM_F_DUMP {
		return fail(m, unix.EINVAL)
	}
	if len(m.Data) < unix.SizeofRtGenmsg {
		return fail(m, unix.EINVAL)
	}
	msg := nl.DeserializeRtGenMsg(m.Data)
	if msg.Family != unix.AF_UNSPEC && msg.Family != unix.AF_INET {
		return fail(m, unix.EAFNOSUPPORT)
	}

	var replies [][]byte
	for _, rt := range h.Routes.Routes() {
		b := routeMessage(m.Header, rt)
		if b == nil {
			handlerLogger(m.Header).WithField("route", rt.String()).Warn("Skipping non IPv4 route")
			continue
		}
		replies = append(replies, b)
	}

	return append(replies, doneMessage(m.Header))
}

func (h *Handler) deleteRoute(m Message) [][]byte {
	if len(m.Data) < unix.SizeofRtMsg {
		return fail(m, unix.EINVAL)
	}

	attrs, err := parseAttrs(m.Data, unix.SizeofRtMsg)
	if err != nil {
		return fail(m, unix.EINVAL)
	}

	var candidate route.Route
	matched := false

	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.RTA_GATEWAY:
			gw, err := attrAddr(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			candidate.Gateway = gw
			matched = true
		case unix.RTA_PREFSRC:
			src, err := attrAddr(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			candidate.Source = src
			matched = true
		case unix.RTA_OIF:
			idx, err := attrUint32(a.Value)
			if err != nil {
				return fail(m, unix.EINVAL)
			}
			if link, ok := h.Links.ByIndex(int(idx)); ok {
				candidate.Link = link
			}
			matched = true
		default:
			handlerLogger(m.Header).WithField("attr", a.Attr.Type).Debug("Ignoring route attribute")
		}
	}

	if !matched {
		return h.maybeAck(m, nil)
	}

	if h.Routes.RemoveMatching(candidate) == 0 {
		return fail(m, unix.ENODEV)
	}

	return h.maybeAck(m, nil)
}

func (h *Handler) newAddr(m Message) [][]byte {
	if len(m.Data) < unix.SizeofIfAddrmsg {
		return fail(m, unix.EINVAL)
	}
	msg := nl.DeserializeIfAddrmsg(m.Data)

	link, ok := h.Links.ByIndex(int(msg.Index))
	if !ok {
		return fail(m, unix.ENODEV)
	}
	if msg.Prefixlen > 32 {
		return fail(m, unix.EINVAL)
	}

	attrs, err := parseAttrs(m.Data, unix.SizeofIfAddrmsg)
	if err != nil {
		return fail(m, unix.EINVAL)
	}

	var addr, local netip.Addr
	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.IFA_ADDRESS:
			if addr, err = attrAddr(a.Value); err != nil {
				return fail(m, unix.EINVAL)
			}
		case unix.IFA_LOCAL:
			if local, err = attrAddr(a.Value); err != nil {
				return fail(m, unix.EINVAL)
			}
		default:
			handlerLogger(m.Header).WithField("attr", a.Attr.Type).Debug("Ignoring address attribute")
		}
	}

	if !addr.IsValid() {
		addr = local
	}
	if addr.IsValid() && !addr.IsUnspecified() {
		h.Routes.SetLink(netip.PrefixFrom(addr, int(msg.Prefixlen)), link)
	}

	return h.maybeAck(m, nil)
}

func (h *Handler) getAddr(m Message) [][]byte {
	if len(m.Data) < unix.SizeofIfAddrmsg {
		return fail(m, unix.EINVAL)
	}
	msg := nl.DeserializeIfAddrmsg(m.Data)

	var replies [][]byte
	for _, e := range h.Links.All() {
		if msg.Index != 0 && int(msg.Index) != e.Link.Index() {
			continue
		}
		cidr, ok := h.Routes.CidrByIndex(e.Link.Index())
		if !ok {
			continue
		}
		b := addrMessage(m.Header, e.Link, cidr)
		if b == nil {
			handlerLogger(m.Header).WithField("cidr", cidr.String()).Warn("Skipping non IPv4 address")
			continue
		}
		replies = append(replies, b)
	}

	return append(replies, doneMessage(m.Header))
}
