// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import "github.com/prometheus/client_golang/prometheus"

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netserver",
			Name:      "frames_received_total",
			Help:      "Frames handed to a protocol handler",
		},
		[]string{"link", "ethertype"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netserver",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the dispatcher",
		},
		[]string{"link", "reason"},
	)
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{framesReceived, framesDropped}
}
