// Copyright (c) 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package types holds the records a client builds from the server's
// netlink and ifreq replies.
package types

import (
	"fmt"
	"strings"
)

// IPAddress describes an IP address.
type IPAddress struct {
	Family    int
	Address   string
	Mask      string
	Broadcast string
}

func (a IPAddress) String() string {
	s := a.Address + "/" + a.Mask
	if a.Broadcast != "" {
		s += " brd " + a.Broadcast
	}
	return s
}

// Interface describes a network interface.
type Interface struct {
	Index       int
	Name        string
	IPAddresses []*IPAddress
	Mtu         uint64
	RawFlags    uint32
	HwAddr      string
	OperState   string
	Driver      string
}

// Route describes a network route.
type Route struct {
	Dest     string
	Gateway  string
	Device   string
	Source   string
	Scope    uint32
	Protocol uint32
	Metric   int
}

func (r Route) String() string {
	parts := []string{r.Dest}
	if r.Gateway != "" {
		parts = append(parts, "via", r.Gateway)
	}
	if r.Device != "" {
		parts = append(parts, "dev", r.Device)
	}
	if r.Source != "" {
		parts = append(parts, "src", r.Source)
	}
	if r.Metric != 0 {
		parts = append(parts, "metric", fmt.Sprint(r.Metric))
	}
	return strings.Join(parts, " ")
}
