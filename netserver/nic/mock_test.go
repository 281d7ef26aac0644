// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nic

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var errMockDeviceDone = errors.New("mock device exhausted")

// mockDevice replays a fixed list of frames and records what is sent.
type mockDevice struct {
	sync.Mutex

	mac    MacAddress
	mtu    int
	flags  uint32
	frames [][]byte
	sent   [][]byte
}

func (m *mockDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	m.Lock()
	defer m.Unlock()

	if len(m.frames) == 0 {
		return 0, errMockDeviceDone
	}
	f := m.frames[0]
	m.frames = m.frames[1:]
	return copy(buf, f), nil
}

func (m *mockDevice) Send(ctx context.Context, frame []byte) error {
	m.Lock()
	defer m.Unlock()

	m.sent = append(m.sent, frame)
	return nil
}

func (m *mockDevice) HardwareAddr() MacAddress { return m.mac }
func (m *mockDevice) MTU() int                  { return m.mtu }
func (m *mockDevice) Flags() uint32             { return m.flags }
func (m *mockDevice) Close() error              { return nil }

type recordingFeeder struct {
	ip4  [][]byte
	arp  [][]byte
	dsts []MacAddress
	srcs []MacAddress
	link *Link
}

func (r *recordingFeeder) FeedPacket(dst, src MacAddress, frame, payload []byte) {
	r.ip4 = append(r.ip4, payload)
	r.dsts = append(r.dsts, dst)
	r.srcs = append(r.srcs, src)
}

func (r *recordingFeeder) FeedArp(src MacAddress, payload []byte, link *Link) {
	r.arp = append(r.arp, payload)
	r.srcs = append(r.srcs, src)
	r.link = link
}
