// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rtnl

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

func TestSocketSendRecv(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA, macB), unix.SOCK_CLOEXEC)
	defer s.Close()
	assert.Equal(unix.SOCK_CLOEXEC, s.Flags())

	req := buildRequest(unix.RTM_GETLINK, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, nl.NewIfInfomsg(unix.AF_UNSPEC))
	n, err := s.SendMsg(context.Background(), req, 0)
	assert.NoError(err)
	assert.Equal(len(req), n)
	assert.Equal(3, s.Pending())

	buf := make([]byte, 4096)
	var types []uint16
	for i := 0; i < 3; i++ {
		res, err := s.RecvMsg(context.Background(), buf, 0)
		assert.NoError(err)
		assert.Zero(res.Flags)

		msgs, err := syscall.ParseNetlinkMessage(buf[:res.Length])
		assert.NoError(err)
		types = append(types, msgs[0].Header.Type)
	}
	assert.Equal([]uint16{unix.RTM_NEWLINK, unix.RTM_NEWLINK, unix.NLMSG_DONE}, types)
	assert.Zero(s.Pending())

	_, err = s.RecvMsg(context.Background(), buf, unix.MSG_DONTWAIT)
	assert.Equal(ErrWouldBlock, err)
}

func TestSocketPeekAndTruncate(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA), 0)
	defer s.Close()

	_, err := s.SendMsg(context.Background(),
		buildRequest(unix.RTM_GETLINK, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, nl.NewIfInfomsg(unix.AF_UNSPEC)), 0)
	assert.NoError(err)

	small := make([]byte, 8)
	res, err := s.RecvMsg(context.Background(), small, unix.MSG_PEEK)
	assert.NoError(err)
	assert.True(res.Length > len(small))
	assert.Equal(unix.MSG_TRUNC, res.Flags&unix.MSG_TRUNC)
	assert.Equal(2, s.Pending())

	// the caller asking for MSG_TRUNC gets the full length but no flag
	res2, err := s.RecvMsg(context.Background(), small, unix.MSG_PEEK|unix.MSG_TRUNC)
	assert.NoError(err)
	assert.Equal(res.Length, res2.Length)
	assert.Zero(res2.Flags & unix.MSG_TRUNC)

	full := make([]byte, res.Length)
	res3, err := s.RecvMsg(context.Background(), full, 0)
	assert.NoError(err)
	assert.Equal(res.Length, res3.Length)
	assert.Zero(res3.Flags)
	assert.Equal(1, s.Pending())

	addr, err := res3.Addr.MarshalBinary()
	assert.NoError(err)
	assert.Len(addr, unix.SizeofSockaddrNetlink)
	assert.Equal(uint16(unix.AF_NETLINK), nl.NativeEndian().Uint16(addr[0:2]))
}

func TestSocketRecvCancel(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA), 0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.RecvMsg(ctx, make([]byte, 64), 0)
	assert.Equal(context.DeadlineExceeded, err)

	// a reply arriving after the cancellation is still delivered
	_, err = s.SendMsg(context.Background(),
		buildRequest(unix.RTM_GETADDR, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, nl.NewIfAddrmsg(unix.AF_UNSPEC)), 0)
	assert.NoError(err)
	assert.Equal(1, s.Pending())

	res, err := s.RecvMsg(context.Background(), make([]byte, 64), 0)
	assert.NoError(err)
	assert.NotZero(res.Length)
}

func TestSocketRecvWakesOnSend(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA), 0)
	defer s.Close()

	type result struct {
		res RecvResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := s.RecvMsg(context.Background(), make([]byte, 256), 0)
		ch <- result{res, err}
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := s.SendMsg(context.Background(),
		buildRequest(unix.RTM_NEWLINK, unix.NLM_F_REQUEST, nl.NewIfInfomsg(unix.AF_UNSPEC)), 0)
	assert.NoError(err)

	select {
	case r := <-ch:
		assert.NoError(r.err)
		assert.NotZero(r.res.Length)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestSocketClose(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t), 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.RecvMsg(context.Background(), make([]byte, 16), 0)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	assert.NoError(s.Close())
	assert.NoError(s.Close())

	select {
	case err := <-errCh:
		assert.Equal(ErrClosed, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver was not woken by close")
	}

	_, err := s.SendMsg(context.Background(), buildRequest(unix.NLMSG_DONE, 0), 0)
	assert.Equal(ErrClosed, err)
}

func TestSocketSendErrors(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA), 0)
	defer s.Close()

	_, err := s.SendMsg(context.Background(), buildRequest(unix.NLMSG_DONE, 0), unix.MSG_DONTWAIT)
	assert.Equal(ErrIllegalArguments, errors.Cause(err))

	_, err = s.SendMsg(context.Background(), buildRequest(unix.RTM_NEWNEIGH, unix.NLM_F_REQUEST), 0)
	assert.Equal(ErrIllegalArguments, errors.Cause(err))

	_, err = s.SendMsg(context.Background(), []byte{1, 2, 3}, 0)
	assert.Equal(ErrIllegalArguments, errors.Cause(err))
	assert.Zero(s.Pending())
}

func TestSocketBatchStopsAtDone(t *testing.T) {
	assert := assert.New(t)

	s := NewSocket(newTestHandler(t, macA), 0)
	defer s.Close()

	var batch []byte
	batch = append(batch, buildRequest(unix.RTM_GETADDR, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, nl.NewIfAddrmsg(unix.AF_UNSPEC))...)
	batch = append(batch, buildRequest(unix.NLMSG_DONE, 0)...)
	batch = append(batch, buildRequest(unix.RTM_GETLINK, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, nl.NewIfInfomsg(unix.AF_UNSPEC))...)

	n, err := s.SendMsg(context.Background(), batch, 0)
	assert.NoError(err)
	assert.Equal(len(batch), n)
	// only the GETADDR DONE was queued
	assert.Equal(1, s.Pending())
}
