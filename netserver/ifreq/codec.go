// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ifreq

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/nic"
)

var byteOrder = binary.LittleEndian

type wireRequest struct {
	Command uint32
	Index   int32
	Name    [unix.IFNAMSIZ]byte
}

type wireReply struct {
	Status    uint32
	Index     int32
	Flags     uint32
	MTU       uint32
	Addr      [4]byte
	Netmask   [4]byte
	Broadcast [4]byte
	HwAddr    [6]byte
	_         [2]byte
	Name      [unix.IFNAMSIZ]byte
	Count     uint32
}

type wireIfconf struct {
	Name [unix.IFNAMSIZ]byte
	Addr [4]byte
}

func putName(dst *[unix.IFNAMSIZ]byte, name string) error {
	if len(name) >= unix.IFNAMSIZ {
		return errors.Errorf("interface name %q too long", name)
	}
	copy(dst[:], name)
	return nil
}

func getName(src [unix.IFNAMSIZ]byte) string {
	if i := bytes.IndexByte(src[:], 0); i >= 0 {
		return string(src[:i])
	}
	return string(src[:])
}

func putAddr(a netip.Addr) [4]byte {
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}

// MarshalBinary encodes the request record.
func (r Request) MarshalBinary() ([]byte, error) {
	w := wireRequest{
		Command: uint32(r.Command),
		Index:   int32(r.Index),
	}
	if err := putName(&w.Name, r.Name); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, byteOrder, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a request record.
func (r *Request) UnmarshalBinary(data []byte) error {
	var w wireRequest
	if err := binary.Read(bytes.NewReader(data), byteOrder, &w); err != nil {
		return errors.Wrap(err, "decode ifreq request")
	}

	r.Command = Command(w.Command)
	r.Index = int(w.Index)
	r.Name = getName(w.Name)
	return nil
}

// MarshalBinary encodes the reply record followed by its ifconf entries.
func (r Reply) MarshalBinary() ([]byte, error) {
	w := wireReply{
		Status:    uint32(r.Status),
		Index:     int32(r.Index),
		Flags:     r.Flags,
		MTU:       uint32(r.MTU),
		Addr:      putAddr(r.Addr),
		Netmask:   putAddr(r.Netmask),
		Broadcast: putAddr(r.Broadcast),
		HwAddr:    r.HardwareAddr,
		Count:     uint32(len(r.Ifconf)),
	}
	if err := putName(&w.Name, r.Name); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, byteOrder, &w); err != nil {
		return nil, err
	}

	for _, e := range r.Ifconf {
		entry := wireIfconf{Addr: putAddr(e.Addr)}
		if err := putName(&entry.Name, e.Name); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, byteOrder, &entry); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a reply record.
func (r *Reply) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var w wireReply
	if err := binary.Read(rd, byteOrder, &w); err != nil {
		return errors.Wrap(err, "decode ifreq reply")
	}

	*r = Reply{
		Status:       Status(w.Status),
		Name:         getName(w.Name),
		Index:        int(w.Index),
		Flags:        w.Flags,
		MTU:          int(w.MTU),
		Addr:         netip.AddrFrom4(w.Addr),
		Netmask:      netip.AddrFrom4(w.Netmask),
		Broadcast:    netip.AddrFrom4(w.Broadcast),
		HardwareAddr: nic.MacAddress(w.HwAddr),
	}

	for i := uint32(0); i < w.Count; i++ {
		var entry wireIfconf
		if err := binary.Read(rd, byteOrder, &entry); err != nil {
			return errors.Wrapf(err, "decode ifconf entry %d", i)
		}
		r.Ifconf = append(r.Ifconf, IfconfEntry{
			Name: getName(entry.Name),
			Addr: netip.AddrFrom4(entry.Addr),
		})
	}

	return nil
}
