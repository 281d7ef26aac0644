// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

var requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "netserver",
		Name:      "netlink_requests_total",
		Help:      "Netlink messages processed, by message type",
	},
	[]string{"type"},
)

var typeNames = map[uint16]string{
	unix.NLMSG_DONE:   "done",
	unix.NLMSG_ERROR:  "error",
	unix.RTM_NEWLINK:  "newlink",
	unix.RTM_DELLINK:  "dellink",
	unix.RTM_GETLINK:  "getlink",
	unix.RTM_NEWADDR:  "newaddr",
	unix.RTM_GETADDR:  "getaddr",
	unix.RTM_NEWROUTE: "newroute",
	unix.RTM_DELROUTE: "delroute",
	unix.RTM_GETROUTE: "getroute",
}

func typeName(t uint16) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return strconv.Itoa(int(t))
}

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requests}
}
