// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/netserver/netserver/ifreq"
	"github.com/kestrel-os/netserver/netserver/pkg/types"
	"github.com/kestrel-os/netserver/netserver/transport"
	"github.com/kestrel-os/netserver/pkg/nsutils"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

const (
	recvBufferSize = 8192
	recvTimeout    = 5 * time.Second
)

var showCLICommand = cli.Command{
	Name:  "show",
	Usage: "display the state of a running server",
	ArgsUsage: `[links|addrs|routes|ifconf]

   Without an argument every table is shown.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "format, f",
			Value: "table",
			Usage: `select one of: ` + formatOptions,
		},
	},
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		config, err := configFromContext(context)
		if err != nil {
			return err
		}

		what := context.Args().First()

		span, _ := nstrace.Trace(ctx, nsLog, "show", "what", what)
		defer span.Finish()

		var fs formatState
		switch context.String("format") {
		case "table":
			fs = formatTabular{}
		case "json":
			fs = formatJSON{}
		default:
			return errors.Errorf("invalid format option %q", context.String("format"))
		}

		st, err := fetchState(defaultDial(config), what)
		if err != nil {
			return err
		}

		return fs.Write(st, context.App.Writer)
	},
}

const formatOptions = `table or json`

type dialFunc func() (*transport.Client, error)

// serverState is what show collects from the server.
type serverState struct {
	Links  []*types.Interface  `json:"links,omitempty"`
	Routes []*types.Route      `json:"routes,omitempty"`
	Ifconf []ifreq.IfconfEntry `json:"ifconf,omitempty"`
}

func fetchState(dial dialFunc, what string) (*serverState, error) {
	var (
		st  serverState
		err error
	)

	switch what {
	case "links", "addrs", "routes", "":
	case "ifconf":
		st.Ifconf, err = listIfconf(dial)
		return &st, err
	default:
		return nil, errors.Errorf("unknown table %q", what)
	}

	links, err := listLinks(dial)
	if err != nil {
		return nil, err
	}

	if what != "links" {
		if err := addAddresses(dial, links); err != nil {
			return nil, err
		}
	}

	if what == "routes" || what == "" {
		names := make(map[int]string)
		for _, i := range links {
			names[i.Index] = i.Name
		}
		if st.Routes, err = listRoutes(dial, names); err != nil {
			return nil, err
		}
	}

	if what == "" {
		if st.Ifconf, err = listIfconf(dial); err != nil {
			return nil, err
		}
	}

	if what != "routes" {
		st.Links = links
	}

	return &st, nil
}

// dump runs one netlink dump request on its own connection and returns
// every reply up to NLMSG_DONE.
func dump(dial dialFunc, typ uint16, data nl.NetlinkRequestData) ([]syscall.NetlinkMessage, error) {
	c, err := dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.CreateSocket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE, 0); err != nil {
		return nil, errors.Wrap(err, "create netlink socket")
	}

	req := &nl.NetlinkRequest{NlMsghdr: unix.NlMsghdr{
		Type:  typ,
		Flags: unix.NLM_F_REQUEST | unix.NLM_F_DUMP,
		Seq:   1,
	}}
	req.AddData(data)

	if _, err := c.SendMsg(req.Serialize(), 0); err != nil {
		return nil, err
	}

	var out []syscall.NetlinkMessage
	for {
		res, b, err := c.RecvMsg(recvBufferSize, 0, recvTimeout)
		if err != nil {
			return nil, err
		}
		if res.Flags&unix.MSG_TRUNC != 0 {
			return nil, errors.New("netlink reply truncated")
		}

		msgs, err := syscall.ParseNetlinkMessage(b)
		if err != nil {
			return nil, err
		}

		for _, m := range msgs {
			switch m.Header.Type {
			case unix.NLMSG_DONE:
				return out, c.CloseSocket()
			case unix.NLMSG_ERROR:
				if len(m.Data) < 4 {
					return nil, errors.New("short netlink error")
				}
				if errno := int32(nl.NativeEndian().Uint32(m.Data[0:4])); errno != 0 {
					return nil, unix.Errno(-errno)
				}
			default:
				out = append(out, m)
			}
		}
	}
}

func listLinks(dial dialFunc) ([]*types.Interface, error) {
	msgs, err := dump(dial, unix.RTM_GETLINK, nl.NewIfInfomsg(unix.AF_UNSPEC))
	if err != nil {
		return nil, err
	}

	var ifaces []*types.Interface
	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWLINK || len(m.Data) < unix.SizeofIfInfomsg {
			continue
		}

		link, err := netlink.LinkDeserialize(&unix.NlMsghdr{Type: m.Header.Type}, m.Data)
		if err != nil {
			return nil, err
		}
		attrs := link.Attrs()

		// links without IFLA_LINKINFO decode as a plain device
		var driver string
		if _, plain := link.(*netlink.Device); !plain {
			driver = link.Type()
		}

		ifaces = append(ifaces, &types.Interface{
			Index:     attrs.Index,
			Name:      attrs.Name,
			Mtu:       uint64(attrs.MTU),
			RawFlags:  attrs.RawFlags,
			HwAddr:    attrs.HardwareAddr.String(),
			OperState: attrs.OperState.String(),
			Driver:    driver,
		})
	}

	return ifaces, nil
}

func attrIP(v []byte) string {
	if len(v) != net.IPv4len {
		return ""
	}
	return net.IP(v).String()
}

// addAddresses attaches the bound address of each link.
func addAddresses(dial dialFunc, ifaces []*types.Interface) error {
	msgs, err := dump(dial, unix.RTM_GETADDR, nl.NewIfAddrmsg(unix.AF_INET))
	if err != nil {
		return err
	}

	byIndex := make(map[int]*types.Interface)
	for _, i := range ifaces {
		byIndex[i.Index] = i
	}

	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWADDR || len(m.Data) < unix.SizeofIfAddrmsg {
			continue
		}
		msg := nl.DeserializeIfAddrmsg(m.Data)

		attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofIfAddrmsg:])
		if err != nil {
			return err
		}

		addr := &types.IPAddress{
			Family: netlink.FAMILY_V4,
			Mask:   strconv.Itoa(int(msg.Prefixlen)),
		}
		for _, a := range attrs {
			switch a.Attr.Type {
			case unix.IFA_ADDRESS:
				addr.Address = attrIP(a.Value)
			case unix.IFA_BROADCAST:
				addr.Broadcast = attrIP(a.Value)
			}
		}

		iface, ok := byIndex[int(msg.Index)]
		if !ok {
			nsLog.WithFields(logrus.Fields{
				"index":   msg.Index,
				"address": addr.Address,
			}).Warn("address for unknown link")
			continue
		}
		iface.IPAddresses = append(iface.IPAddresses, addr)
	}

	return nil
}

func listRoutes(dial dialFunc, names map[int]string) ([]*types.Route, error) {
	msgs, err := dump(dial, unix.RTM_GETROUTE, nl.NewRtGenMsg())
	if err != nil {
		return nil, err
	}

	var routes []*types.Route
	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWROUTE || len(m.Data) < unix.SizeofRtMsg {
			continue
		}
		msg := nl.DeserializeRtMsg(m.Data)

		attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofRtMsg:])
		if err != nil {
			return nil, err
		}

		r := &types.Route{
			Dest:     fmt.Sprintf("0.0.0.0/%d", msg.Dst_len),
			Scope:    uint32(msg.Scope),
			Protocol: uint32(msg.Protocol),
		}
		for _, a := range attrs {
			switch a.Attr.Type {
			case unix.RTA_DST:
				r.Dest = fmt.Sprintf("%s/%d", attrIP(a.Value), msg.Dst_len)
			case unix.RTA_GATEWAY:
				r.Gateway = attrIP(a.Value)
			case unix.RTA_PREFSRC:
				r.Source = attrIP(a.Value)
			case unix.RTA_OIF:
				index := int(nl.NativeEndian().Uint32(a.Value))
				r.Device = names[index]
				if r.Device == "" {
					r.Device = strconv.Itoa(index)
				}
			case unix.RTA_PRIORITY:
				r.Metric = int(nl.NativeEndian().Uint32(a.Value))
			}
		}
		routes = append(routes, r)
	}

	return routes, nil
}

func listIfconf(dial dialFunc) ([]ifreq.IfconfEntry, error) {
	c, err := dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	reply, err := c.Ifreq(ifreq.Request{Command: ifreq.GetConf})
	if err != nil {
		return nil, err
	}
	if reply.Status != ifreq.StatusSuccess {
		return nil, errors.Errorf("ifconf failed: %s", reply.Status)
	}

	return reply.Ifconf, nil
}

type formatState interface {
	Write(st *serverState, w io.Writer) error
}

type formatTabular struct{}
type formatJSON struct{}

func (f formatTabular) Write(st *serverState, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 12, 1, 3, ' ', 0)

	if len(st.Links) > 0 {
		fmt.Fprint(tw, "INDEX\tNAME\tMAC\tMTU\tSTATE\tDRIVER\tADDRESS\n")
		for _, i := range st.Links {
			var addrs []string
			for _, a := range i.IPAddresses {
				addrs = append(addrs, a.String())
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
				i.Index,
				i.Name,
				i.HwAddr,
				i.Mtu,
				i.OperState,
				i.Driver,
				strings.Join(addrs, ","))
		}
		fmt.Fprint(tw, "\n")
	}

	if len(st.Routes) > 0 {
		fmt.Fprint(tw, "ROUTES:\n")
		for _, r := range st.Routes {
			fmt.Fprintf(tw, "%s\n", r)
		}
		fmt.Fprint(tw, "\n")
	}

	if len(st.Ifconf) > 0 {
		fmt.Fprint(tw, "NAME\tADDRESS\n")
		for _, e := range st.Ifconf {
			fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.Addr)
		}
	}

	return tw.Flush()
}

func (f formatJSON) Write(st *serverState, w io.Writer) error {
	return json.NewEncoder(w).Encode(st)
}

// defaultDial is used by commands that only need the configured transport.
func defaultDial(config nsutils.Config) dialFunc {
	return func() (*transport.Client, error) {
		return transport.Dial(config)
	}
}
