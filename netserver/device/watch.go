// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux

package device

import (
	"context"
	"net"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// HostDeviceBase offsets the ids of watched host interfaces so they do not
// collide with configured device ids.
const HostDeviceBase int64 = 1 << 32

const watchBufferSize = 16

// WatchHost announces host interfaces whose name matches one of patterns
// as packet devices, once they are up. Interfaces that exist already are
// reported first. The channel is closed when ctx is cancelled or the
// subscription fails.
func WatchHost(ctx context.Context, patterns []string) (<-chan Event, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, errors.Wrapf(err, "interface pattern %q", p)
		}
	}

	updates := make(chan netlink.LinkUpdate, watchBufferSize)
	err := netlink.LinkSubscribeWithOptions(updates, ctx.Done(), netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			deviceLog.WithError(err).Warn("Host link subscription error")
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to host links")
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					deviceLog.Warn("Host link subscription closed")
					return
				}
				e, ok := hostEvent(u, patterns)
				if !ok {
					continue
				}
				select {
				case events <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	deviceLog.WithField("patterns", patterns).Info("Watching host interfaces")
	return events, nil
}

// hostEvent converts a link update into a packet device event.
func hostEvent(u netlink.LinkUpdate, patterns []string) (Event, bool) {
	if u.Header.Type != unix.RTM_NEWLINK || u.Link == nil {
		return Event{}, false
	}

	attrs := u.Link.Attrs()
	if attrs.Flags&net.FlagUp == 0 || !matchAny(attrs.Name, patterns) {
		return Event{}, false
	}

	props := map[string]interface{}{
		"unix.subsystem": SubsystemPacket,
		"interface":      attrs.Name,
	}
	if attrs.MTU > 0 {
		props["mtu"] = attrs.MTU
	}

	return Event{
		ID:         HostDeviceBase + int64(attrs.Index),
		Properties: props,
	}, true
}

func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
