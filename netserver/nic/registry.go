// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyBound is returned when a device id is registered twice.
var ErrAlreadyBound = errors.New("device already bound")

// Entry pairs a registered link with the discovery id of its device.
type Entry struct {
	DeviceID int64
	Link     *Link
}

// Registry is the set of links known to the server. Indexes are handed
// out from 1 upward and are never reused.
type Registry struct {
	sync.RWMutex

	nextIndex int
	entries   []Entry
	byDevice  map[int64]*Link
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextIndex: 1,
		byDevice:  make(map[int64]*Link),
	}
}

// Register assigns the next index to link and records it under deviceID.
func (r *Registry) Register(deviceID int64, link *Link) (int, error) {
	if link == nil {
		return 0, errors.New("cannot register a nil link")
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.byDevice[deviceID]; ok {
		return 0, errors.Wrapf(ErrAlreadyBound, "device %d", deviceID)
	}

	link.index = r.nextIndex
	r.nextIndex++

	r.byDevice[deviceID] = link
	r.entries = append(r.entries, Entry{DeviceID: deviceID, Link: link})

	nicLog.WithFields(logrus.Fields{
		"device": deviceID,
		"index":  link.index,
		"name":   link.Name(),
		"mac":    link.mac.String(),
		"driver": link.Driver(),
	}).Info("Link registered")

	return link.index, nil
}

// Bound reports whether a device id already has a link.
func (r *Registry) Bound(deviceID int64) bool {
	r.RLock()
	defer r.RUnlock()

	_, ok := r.byDevice[deviceID]
	return ok
}

// ByIndex returns the link with the given interface index.
func (r *Registry) ByIndex(index int) (*Link, bool) {
	r.RLock()
	defer r.RUnlock()

	for _, e := range r.entries {
		if e.Link.index == index {
			return e.Link, true
		}
	}
	return nil, false
}

// ByName returns the link with the given derived name.
func (r *Registry) ByName(name string) (*Link, bool) {
	r.RLock()
	defer r.RUnlock()

	for _, e := range r.entries {
		if e.Link.Name() == name {
			return e.Link, true
		}
	}
	return nil, false
}

// All returns a snapshot of every registered link in registration order.
func (r *Registry) All() []Entry {
	r.RLock()
	defer r.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered links.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.entries)
}
