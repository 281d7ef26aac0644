// Copyright (c) 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteString(t *testing.T) {
	type testData struct {
		route    Route
		expected string
	}

	data := []testData{
		{Route{Dest: "0.0.0.0/0", Gateway: "10.0.0.1", Device: "eth0"}, "0.0.0.0/0 via 10.0.0.1 dev eth0"},
		{Route{Dest: "10.0.0.0/24", Device: "eth0", Source: "10.0.0.2"}, "10.0.0.0/24 dev eth0 src 10.0.0.2"},
		{Route{Dest: "192.168.0.0/16", Metric: 20}, "192.168.0.0/16 metric 20"},
	}

	for _, d := range data {
		t.Run(d.expected, func(t *testing.T) {
			assert.Equal(t, d.expected, d.route.String())
		})
	}
}

func TestIPAddressString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("10.0.0.2/24", IPAddress{Address: "10.0.0.2", Mask: "24"}.String())
	assert.Equal("10.0.0.2/24 brd 10.0.0.255", IPAddress{Address: "10.0.0.2", Mask: "24", Broadcast: "10.0.0.255"}.String())
}
