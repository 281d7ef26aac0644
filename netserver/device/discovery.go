// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/netserver/netserver/nic"
)

// ErrDeviceNotSupported is returned when no driver can bind a device.
var ErrDeviceNotSupported = errors.New("device not supported")

var deviceLog = logrus.WithField("source", "netserver/device")

// SetLogger sets the logger for the device package.
func SetLogger(logger *logrus.Entry) {
	fields := deviceLog.Data
	deviceLog = logger.WithFields(fields)
}

// Subsystems a discovery event can report.
const (
	SubsystemPCI     = "pci"
	SubsystemUSB     = "usb"
	SubsystemPacket  = "packet"
	SubsystemVirtual = "virtual"
)

// Driver names used to pick an Opener.
const (
	DriverVirtioTransitional = "virtio-net-transitional"
	DriverVirtioModern       = "virtio-net-modern"
	DriverUSB                = "usb-cdc"
	DriverPacket             = "packet"
	DriverVirtual            = "virtual"
)

const (
	virtioVendor          = "1af4"
	virtioNetTransitional = "1000"
	virtioNetModern       = "1041"
)

// Event announces a new network device.
type Event struct {
	ID         int64
	Properties map[string]interface{}
}

// Properties are the decoded attributes of an Event.
type Properties struct {
	Subsystem string `mapstructure:"unix.subsystem"`
	PciVendor string `mapstructure:"pci-vendor"`
	PciDevice string `mapstructure:"pci-device"`
	Interface string `mapstructure:"interface"`
	NetNS     string `mapstructure:"netns"`
	MAC       string `mapstructure:"mac"`
	MTU       int    `mapstructure:"mtu"`
}

// Decode converts the raw property map of an event.
func (e Event) Decode() (Properties, error) {
	var p Properties

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return p, err
	}

	if err := dec.Decode(e.Properties); err != nil {
		return p, errors.Wrapf(err, "decode properties of device %d", e.ID)
	}
	return p, nil
}

// HardwareAddr parses the optional mac property.
func (p Properties) HardwareAddr() (nic.MacAddress, error) {
	if p.MAC == "" {
		return nic.MacAddress{}, nil
	}
	hw, err := net.ParseMAC(p.MAC)
	if err != nil {
		return nic.MacAddress{}, errors.Wrapf(err, "invalid mac %q", p.MAC)
	}
	if len(hw) != 6 {
		return nic.MacAddress{}, errors.Errorf("invalid mac %q", p.MAC)
	}
	return nic.MacFromSlice(hw), nil
}

// SelectDriver picks the driver able to bind a device with these properties.
func SelectDriver(p Properties) (string, error) {
	switch p.Subsystem {
	case SubsystemPCI:
		if strings.ToLower(p.PciVendor) != virtioVendor {
			break
		}
		switch strings.ToLower(p.PciDevice) {
		case virtioNetTransitional:
			return DriverVirtioTransitional, nil
		case virtioNetModern:
			return DriverVirtioModern, nil
		}
	case SubsystemUSB:
		return DriverUSB, nil
	case SubsystemPacket:
		return DriverPacket, nil
	case SubsystemVirtual:
		return DriverVirtual, nil
	}

	return "", errors.Wrapf(ErrDeviceNotSupported, "subsystem %q vendor %q device %q",
		p.Subsystem, p.PciVendor, p.PciDevice)
}

// Opener creates the device handle for an event.
type Opener func(ctx context.Context, e Event, p Properties) (nic.Device, error)

// Drivers maps driver names to openers.
type Drivers struct {
	sync.RWMutex

	openers map[string]Opener
}

// NewDrivers returns the driver set with the built in virtual and packet drivers.
func NewDrivers() *Drivers {
	d := &Drivers{openers: make(map[string]Opener)}
	d.Register(DriverVirtual, OpenVirtual)
	d.Register(DriverPacket, OpenPacket)
	return d
}

// Register adds or replaces the opener for a driver.
func (d *Drivers) Register(name string, o Opener) {
	d.Lock()
	defer d.Unlock()

	d.openers[name] = o
}

// Open decodes the event, selects a driver and opens the device.
func (d *Drivers) Open(ctx context.Context, e Event) (nic.Device, error) {
	p, err := e.Decode()
	if err != nil {
		return nil, err
	}

	driver, err := SelectDriver(p)
	if err != nil {
		return nil, err
	}

	d.RLock()
	open, ok := d.openers[driver]
	d.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrDeviceNotSupported, "no %s driver available", driver)
	}

	deviceLog.WithFields(logrus.Fields{
		"device": e.ID,
		"driver": driver,
	}).Info("Binding device")

	return open(ctx, e, p)
}
