// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build !linux

package device

import (
	"context"

	"github.com/pkg/errors"
)

// WatchHost is only available on Linux.
func WatchHost(ctx context.Context, patterns []string) (<-chan Event, error) {
	return nil, errors.Wrap(ErrDeviceNotSupported, "host discovery requires linux")
}
