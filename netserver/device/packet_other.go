// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build !linux

package device

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kestrel-os/netserver/netserver/nic"
)

// OpenPacket is only available on Linux.
func OpenPacket(ctx context.Context, e Event, p Properties) (nic.Device, error) {
	return nil, errors.Wrap(ErrDeviceNotSupported, "packet driver requires linux")
}
