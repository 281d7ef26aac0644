// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package netserver ties the link registry, route table and the control
// surfaces together into the network server of the system.
package netserver

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/device"
	"github.com/kestrel-os/netserver/netserver/ifreq"
	"github.com/kestrel-os/netserver/netserver/ip4"
	"github.com/kestrel-os/netserver/netserver/nic"
	"github.com/kestrel-os/netserver/netserver/route"
	"github.com/kestrel-os/netserver/netserver/rtnl"
	"github.com/kestrel-os/netserver/pkg/nsutils"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var (
	// ErrIllegalArguments is returned for requests the server cannot interpret.
	ErrIllegalArguments = rtnl.ErrIllegalArguments
	// ErrAddressFamilyNotSupported is returned when no provider serves a domain.
	ErrAddressFamilyNotSupported = errors.New("address family not supported")
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("server closed")
)

var serverLog = logrus.WithField("source", "netserver")

func serverLogger() *logrus.Entry {
	return serverLog.WithField("subsystem", "server")
}

// SetLogger sets the logger of the server and of every subsystem package.
func SetLogger(logger *logrus.Entry) {
	fields := serverLog.Data
	serverLog = logger.WithFields(fields)

	nic.SetLogger(logger)
	route.SetLogger(logger)
	rtnl.SetLogger(logger)
	ifreq.SetLogger(logger)
	ip4.SetLogger(logger)
	device.SetLogger(logger)
}

// Collectors returns every metric the server exports.
func Collectors() []prometheus.Collector {
	var c []prometheus.Collector
	c = append(c, nic.Collectors()...)
	c = append(c, rtnl.Collectors()...)
	c = append(c, ip4.Collectors()...)
	return c
}

// Server owns the state shared by every client: the links, the route table
// and the address bindings.
type Server struct {
	config nsutils.Config

	Links     *nic.Registry
	Routes    *route.Table
	IP4       *ip4.Stack
	Neighbors *ip4.Neighbors
	Drivers   *device.Drivers

	netlink    *rtnl.Handler
	ifreq      *ifreq.Surface
	dispatcher *nic.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	providers map[int]SocketProvider
	sockets   map[Socket]struct{}
}

// New returns a server with empty tables.
func New(config nsutils.Config) *Server {
	links := nic.NewRegistry()
	routes := route.NewTable()
	stack := ip4.NewStack(routes)
	neighbors := ip4.NewNeighbors(routes)

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:     config,
		Links:      links,
		Routes:     routes,
		IP4:        stack,
		Neighbors:  neighbors,
		Drivers:    device.NewDrivers(),
		netlink:    &rtnl.Handler{Links: links, Routes: routes},
		ifreq:      &ifreq.Surface{Links: links, Routes: routes},
		dispatcher: &nic.Dispatcher{IP4: stack, Arp: neighbors},
		ctx:        ctx,
		cancel:     cancel,
		providers:  make(map[int]SocketProvider),
		sockets:    make(map[Socket]struct{}),
	}
}

// BindDevice opens the device an event announces, registers its link and
// starts receiving frames. Binding an already bound device does nothing.
func (s *Server) BindDevice(ctx context.Context, e device.Event) error {
	span, ctx := nstrace.Trace(ctx, serverLogger(), "BindDevice", "device", fmt.Sprint(e.ID))
	defer span.Finish()

	if s.isClosed() {
		return ErrServerClosed
	}

	if s.Links.Bound(e.ID) {
		serverLogger().WithField("device", e.ID).Debug("Device already bound")
		return nil
	}

	dev, err := s.Drivers.Open(ctx, e)
	if err != nil {
		return errors.Wrapf(err, "open device %d", e.ID)
	}

	link := nic.NewLink(dev)
	if _, err := s.Links.Register(e.ID, link); err != nil {
		dev.Close()
		if errors.Cause(err) == nic.ErrAlreadyBound {
			return nil
		}
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := nic.RunDevice(s.ctx, link, s.dispatcher); err != nil {
			serverLogger().WithError(err).WithField("link", link.Name()).Error("Link receive loop stopped")
		}
	}()

	return nil
}

// Discover binds every device announced on events until the channel is
// closed or ctx is cancelled.
func (s *Server) Discover(ctx context.Context, events <-chan device.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.BindDevice(ctx, e); err != nil {
				serverLogger().WithError(err).WithField("device", e.ID).Warn("Could not bind device")
			}
		}
	}
}

// BindConfigured binds the devices listed in the configuration and then
// applies its static addresses and routes.
func (s *Server) BindConfigured(ctx context.Context) error {
	var result *multierror.Error

	for _, d := range s.config.Devices {
		if err := s.BindDevice(ctx, deviceEvent(d)); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := s.ApplyStatic(s.config); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func deviceEvent(d nsutils.DeviceConfig) device.Event {
	props := map[string]interface{}{
		"unix.subsystem": d.Subsystem,
	}
	if d.Interface != "" {
		props["interface"] = d.Interface
	}
	if d.NetNS != "" {
		props["netns"] = d.NetNS
	}
	if d.MAC != "" {
		props["mac"] = d.MAC
	}
	if d.MTU > 0 {
		props["mtu"] = d.MTU
	}
	return device.Event{ID: d.ID, Properties: props}
}

// ApplyStatic binds the configured addresses and installs the configured
// routes. Entries that name an unknown link are reported and skipped.
func (s *Server) ApplyStatic(c nsutils.Config) error {
	var result *multierror.Error

	for _, a := range c.Addresses {
		link, ok := s.Links.ByName(a.Link)
		if !ok {
			result = multierror.Append(result, errors.Errorf("address %s: no link %s", a.CIDR, a.Link))
			continue
		}

		cidr, err := netip.ParsePrefix(a.CIDR)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "address %s", a.CIDR))
			continue
		}
		if !cidr.Addr().Is4() {
			result = multierror.Append(result, errors.Wrapf(ErrAddressFamilyNotSupported, "address %s", a.CIDR))
			continue
		}

		s.Routes.SetLink(cidr, link)
	}

	for _, rc := range c.Routes {
		r, err := s.staticRoute(rc)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s.Routes.AddRoute(r)
	}

	return result.ErrorOrNil()
}

func (s *Server) staticRoute(rc nsutils.RouteConfig) (route.Route, error) {
	r := route.New()
	r.Protocol = unix.RTPROT_STATIC
	r.Metric = rc.Metric

	dst, err := netip.ParsePrefix(rc.Dst)
	if err != nil {
		return r, errors.Wrapf(err, "route %s", rc.Dst)
	}
	if !dst.Addr().Is4() {
		return r, errors.Wrapf(ErrAddressFamilyNotSupported, "route %s", rc.Dst)
	}
	r.Dst = dst

	if rc.Gateway != "" {
		if r.Gateway, err = netip.ParseAddr(rc.Gateway); err != nil {
			return r, errors.Wrapf(err, "route %s gateway", rc.Dst)
		}
		if !r.Gateway.Is4() {
			return r, errors.Wrapf(ErrAddressFamilyNotSupported, "route %s gateway", rc.Dst)
		}
	}
	if rc.Source != "" {
		if r.Source, err = netip.ParseAddr(rc.Source); err != nil {
			return r, errors.Wrapf(err, "route %s source", rc.Dst)
		}
		if !r.Source.Is4() {
			return r, errors.Wrapf(ErrAddressFamilyNotSupported, "route %s source", rc.Dst)
		}
	}
	if rc.Link != "" {
		link, ok := s.Links.ByName(rc.Link)
		if !ok {
			return r, errors.Errorf("route %s: no link %s", rc.Dst, rc.Link)
		}
		r.Link = link
	}

	return r, nil
}

// Ifreq answers an interface request.
func (s *Server) Ifreq(ctx context.Context, req ifreq.Request) ifreq.Reply {
	return s.ifreq.Handle(ctx, req)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Close stops every receive loop, then closes the devices and the open sockets.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sockets := s.sockets
	s.sockets = make(map[Socket]struct{})
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	var result *multierror.Error

	for sock := range sockets {
		if err := sock.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, e := range s.Links.All() {
		if err := e.Link.Device().Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close %s", e.Link.Name()))
		}
	}

	serverLogger().Info("Server closed")
	return result.ErrorOrNil()
}
