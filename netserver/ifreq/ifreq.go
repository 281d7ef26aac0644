// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ifreq

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

// Command is an SIOCGIF* request code.
type Command uint32

// Supported commands.
const (
	GetConf      Command = unix.SIOCGIFCONF
	GetNetmask   Command = unix.SIOCGIFNETMASK
	GetIndex     Command = unix.SIOCGIFINDEX
	GetName      Command = unix.SIOCGIFNAME
	GetFlags     Command = unix.SIOCGIFFLAGS
	GetAddr      Command = unix.SIOCGIFADDR
	GetMTU       Command = unix.SIOCGIFMTU
	GetBroadcast Command = unix.SIOCGIFBRDADDR
	GetHwAddr    Command = unix.SIOCGIFHWADDR
)

var commandNames = map[Command]string{
	GetConf:      "SIOCGIFCONF",
	GetNetmask:   "SIOCGIFNETMASK",
	GetIndex:     "SIOCGIFINDEX",
	GetName:      "SIOCGIFNAME",
	GetFlags:     "SIOCGIFFLAGS",
	GetAddr:      "SIOCGIFADDR",
	GetMTU:       "SIOCGIFMTU",
	GetBroadcast: "SIOCGIFBRDADDR",
	GetHwAddr:    "SIOCGIFHWADDR",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("%#x", uint32(c))
}

// Status is the single result code of the ioctl surface.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusIllegalArgument
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusIllegalArgument:
		return "illegal argument"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Request names an interface by Name, or by Index for GetName.
type Request struct {
	Command Command
	Name    string
	Index   int
}

// IfconfEntry is one configured interface in a GetConf reply.
type IfconfEntry struct {
	Name string
	Addr netip.Addr
}

// Reply carries the command specific result. Only the fields belonging to
// the command are set.
type Reply struct {
	Status       Status
	Name         string
	Index        int
	Flags        uint32
	MTU          int
	Addr         netip.Addr
	Netmask      netip.Addr
	Broadcast    netip.Addr
	HardwareAddr nic.MacAddress
	Ifconf       []IfconfEntry
}

var ifreqLog = logrus.WithField("source", "netserver/ifreq")

// SetLogger sets the logger for the ifreq package.
func SetLogger(logger *logrus.Entry) {
	fields := ifreqLog.Data
	ifreqLog = logger.WithFields(fields)
}

// Surface answers ifreq requests from the link registry and route table.
type Surface struct {
	Links  *nic.Registry
	Routes *route.Table
}

func illegal() Reply {
	return Reply{Status: StatusIllegalArgument}
}

// Handle answers one request.
func (s *Surface) Handle(ctx context.Context, req Request) Reply {
	span, _ := nstrace.Trace(ctx, ifreqLog, "Handle", "command", req.Command.String())
	defer span.Finish()

	logger := ifreqLog.WithFields(logrus.Fields{
		"command":   req.Command.String(),
		"interface": req.Name,
	})

	switch req.Command {
	case GetConf:
		var entries []IfconfEntry
		for _, e := range s.Links.All() {
			cidr, ok := s.Routes.CidrByIndex(e.Link.Index())
			if !ok {
				continue
			}
			entries = append(entries, IfconfEntry{Name: e.Link.Name(), Addr: cidr.Addr()})
		}
		return Reply{Ifconf: entries}

	case GetName:
		link, ok := s.Links.ByIndex(req.Index)
		if !ok {
			logger.WithField("index", req.Index).Debug("No such interface")
			return illegal()
		}
		return Reply{Index: link.Index(), Name: link.Name()}
	}

	if _, ok := commandNames[req.Command]; !ok {
		logger.Warn("Unsupported ifreq command")
		return illegal()
	}

	link, ok := s.Links.ByName(req.Name)
	if !ok {
		logger.Debug("No such interface")
		return illegal()
	}
	cidr, configured := s.Routes.CidrByIndex(link.Index())

	reply := Reply{Name: link.Name()}

	switch req.Command {
	case GetNetmask:
		var mask uint32
		if configured {
			mask = route.Mask(cidr.Bits())
		}
		reply.Netmask = route.AddrFromUint32(mask)
	case GetIndex:
		reply.Index = link.Index()
	case GetFlags:
		reply.Flags = unix.IFF_UP | unix.IFF_RUNNING | link.Flags()
	case GetAddr:
		if !configured {
			return illegal()
		}
		reply.Addr = cidr.Addr()
	case GetMTU:
		reply.MTU = link.MTU()
	case GetBroadcast:
		if !configured {
			return illegal()
		}
		reply.Broadcast = route.Broadcast(cidr)
	case GetHwAddr:
		reply.HardwareAddr = link.MAC()
	}

	return reply
}
