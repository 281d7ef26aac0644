// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package transport carries netserver requests over a stream connection.
//
// Every message is a frame: a big endian uint32 length followed by that many
// bytes. A request frame starts with a one byte Op, a response frame with a
// uint32 Status. A connection starts in control mode, where CREATE_SOCKET
// and IFREQ are accepted. A successful CREATE_SOCKET binds the socket to the
// connection, which then also accepts the passthrough ops until CLOSE.
package transport

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/kestrel-os/netserver/netserver"
	"github.com/kestrel-os/netserver/netserver/rtnl"
)

// Op identifies a request.
type Op uint8

const (
	OpCreateSocket Op = iota + 1
	OpIfreq
	OpSendMsg
	OpRecvMsg
	OpSockname
	OpClose
)

var opNames = map[Op]string{
	OpCreateSocket: "CREATE_SOCKET",
	OpIfreq:        "IFREQ",
	OpSendMsg:      "SENDMSG",
	OpRecvMsg:      "RECVMSG",
	OpSockname:     "SOCKNAME",
	OpClose:        "CLOSE",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "UNKNOWN"
}

// Status is the outcome carried by every response.
type Status uint32

const (
	StatusOK Status = iota
	StatusIllegalArguments
	StatusAddressFamilyNotSupported
	StatusWouldBlock
	StatusTimeout
	StatusClosed
	StatusInternal
)

// ErrInternal is reported for failures with no dedicated status.
var ErrInternal = errors.New("internal server error")

var statusErrors = map[Status]error{
	StatusIllegalArguments:          netserver.ErrIllegalArguments,
	StatusAddressFamilyNotSupported: netserver.ErrAddressFamilyNotSupported,
	StatusWouldBlock:                rtnl.ErrWouldBlock,
	StatusTimeout:                   context.DeadlineExceeded,
	StatusClosed:                    rtnl.ErrClosed,
	StatusInternal:                  ErrInternal,
}

// Err returns the error a client reports for s, nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return ErrInternal
}

func statusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	switch errors.Cause(err) {
	case netserver.ErrIllegalArguments:
		return StatusIllegalArguments
	case netserver.ErrAddressFamilyNotSupported:
		return StatusAddressFamilyNotSupported
	case rtnl.ErrWouldBlock:
		return StatusWouldBlock
	case context.DeadlineExceeded:
		return StatusTimeout
	case rtnl.ErrClosed, netserver.ErrServerClosed:
		return StatusClosed
	}
	return StatusInternal
}

// MaxFrameSize bounds the frames either side accepts.
const MaxFrameSize = 1 << 20

// maxRecvLen leaves room in a RECVMSG response for the result header and address.
const maxRecvLen = MaxFrameSize - 256

var errFrameTooLarge = errors.New("frame too large")

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errFrameTooLarge
	}

	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)

	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, errFrameTooLarge
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "short frame")
	}
	return b, nil
}

var errShortBody = errors.New("short message body")

// decoder reads fixed fields from a message body, keeping the first error.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.err = errShortBody
		return 0
	}
	v := binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) int32() int {
	return int(int32(d.uint32()))
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = errShortBody
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) rest() []byte {
	v := d.b
	d.b = nil
	return v
}

func appendInt32(b []byte, v int) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(int32(v)))
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func request(op Op, body ...[]byte) []byte {
	b := []byte{byte(op)}
	for _, p := range body {
		b = append(b, p...)
	}
	return b
}

func response(s Status, body ...[]byte) []byte {
	b := appendUint32(nil, uint32(s))
	for _, p := range body {
		b = append(b, p...)
	}
	return b
}

func encodeCreateSocket(domain, typ, protocol, flags int) []byte {
	var b []byte
	b = appendInt32(b, domain)
	b = appendInt32(b, typ)
	b = appendInt32(b, protocol)
	b = appendInt32(b, flags)
	return request(OpCreateSocket, b)
}

// encodeRecvMsg builds a RECVMSG request. A zero timeout waits until a
// reply is available or the socket is closed.
func encodeRecvMsg(flags int, maxLen uint32, timeoutMs uint32) []byte {
	var b []byte
	b = appendInt32(b, flags)
	b = appendUint32(b, maxLen)
	b = appendUint32(b, timeoutMs)
	return request(OpRecvMsg, b)
}

func encodeRecvResult(res netserver.RecvResult, data []byte) []byte {
	var b []byte
	b = appendUint32(b, uint32(res.Length))
	b = appendInt32(b, res.Flags)
	b = appendUint32(b, uint32(len(res.Addr)))
	b = append(b, res.Addr...)
	return response(StatusOK, b, data)
}

func decodeRecvResult(d *decoder) (netserver.RecvResult, []byte) {
	var res netserver.RecvResult
	res.Length = int(d.uint32())
	res.Flags = d.int32()
	res.Addr = d.bytes(int(d.uint32()))
	return res, d.rest()
}
