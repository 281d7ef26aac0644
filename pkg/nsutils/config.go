// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nsutils

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

// Transports the server can listen on.
const (
	TransportUnix  = "unix"
	TransportVsock = "vsock"
)

// DefaultSocketPath is the unix socket used when none is configured.
const DefaultSocketPath = "/run/netserver/netserver.sock"

const (
	defaultVsockPort      = 1025
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultMetricsAddress = "127.0.0.1:9124"
)

// DefaultConfigPath is used when no --config flag is given.
var DefaultConfigPath = "/etc/netserver/configuration.toml"

type server struct {
	Transport  string `toml:"transport"`
	SocketPath string `toml:"socket_path"`
	VsockPort  uint32 `toml:"vsock_port"`
}

type logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type metrics struct {
	Enable  bool   `toml:"enable"`
	Address string `toml:"address"`
}

type tracing struct {
	Enable       bool     `toml:"enable"`
	Sampler      string   `toml:"sampler"`
	SamplerParam *float64 `toml:"sampler_param"`
	Agent        string   `toml:"agent"`
	LogSpans     bool     `toml:"log_spans"`
}

type discovery struct {
	HostInterfaces []string `toml:"host_interfaces"`
}

// DeviceConfig describes a device bound at startup.
type DeviceConfig struct {
	ID        int64  `toml:"id"`
	Subsystem string `toml:"subsystem"`
	Interface string `toml:"interface"`
	NetNS     string `toml:"netns"`
	MAC       string `toml:"mac"`
	MTU       int    `toml:"mtu"`
}

// AddressConfig binds a CIDR to a link named by its derived name.
type AddressConfig struct {
	Link string `toml:"link"`
	CIDR string `toml:"cidr"`
}

// RouteConfig is a static route.
type RouteConfig struct {
	Dst     string `toml:"dst"`
	Gateway string `toml:"gateway"`
	Source  string `toml:"source"`
	Link    string `toml:"link"`
	Metric  int    `toml:"metric"`
}

type tomlConfig struct {
	Server    server          `toml:"server"`
	Log       logging         `toml:"log"`
	Metrics   metrics         `toml:"metrics"`
	Tracing   tracing         `toml:"tracing"`
	Discovery discovery       `toml:"discovery"`
	Devices   []DeviceConfig  `toml:"devices"`
	Addresses []AddressConfig `toml:"addresses"`
	Routes    []RouteConfig   `toml:"routes"`
}

// Config is the validated server configuration.
type Config struct {
	Transport      string
	SocketPath     string
	VsockPort      uint32
	LogLevel       logrus.Level
	LogFormat      string
	MetricsEnabled bool
	MetricsAddress string
	Tracing        nstrace.Config
	// HostInterfaces are name patterns of host interfaces bound as
	// packet devices while the server runs.
	HostInterfaces []string
	Devices        []DeviceConfig
	Addresses      []AddressConfig
	Routes         []RouteConfig
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Transport:      TransportUnix,
		SocketPath:     DefaultSocketPath,
		VsockPort:      defaultVsockPort,
		LogLevel:       logrus.InfoLevel,
		LogFormat:      defaultLogFormat,
		MetricsAddress: defaultMetricsAddress,
		Tracing:        nstrace.DefaultConfig(),
	}
}

func decodeConfig(path string) (tomlConfig, error) {
	var tomlConf tomlConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return tomlConf, err
	}

	if _, err := toml.Decode(string(data), &tomlConf); err != nil {
		return tomlConf, errors.Wrapf(err, "parse %s", path)
	}

	return tomlConf, nil
}

// LoadConfiguration reads the TOML file at path. A missing file at the
// default path yields the defaults.
func LoadConfiguration(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	tomlConf, err := decodeConfig(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) && path == DefaultConfigPath {
			nsLog.WithField("file", path).Debug("No configuration file, using defaults")
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	config, err := updateConfig(tomlConf)
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid configuration %s", path)
	}

	nsLog.WithField("file", path).Info("Loaded configuration")
	return config, nil
}

func updateConfig(t tomlConfig) (Config, error) {
	config := DefaultConfig()

	if t.Server.Transport != "" {
		config.Transport = t.Server.Transport
	}
	if t.Server.SocketPath != "" {
		config.SocketPath = t.Server.SocketPath
	}
	if t.Server.VsockPort != 0 {
		config.VsockPort = t.Server.VsockPort
	}
	if t.Log.Format != "" {
		config.LogFormat = t.Log.Format
	}
	if t.Metrics.Address != "" {
		config.MetricsAddress = t.Metrics.Address
	}

	level := t.Log.Level
	if level == "" {
		level = defaultLogLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return Config{}, err
	}
	config.LogLevel = lvl

	config.MetricsEnabled = t.Metrics.Enable
	config.Tracing.Enabled = t.Tracing.Enable
	config.Tracing.Agent = t.Tracing.Agent
	config.Tracing.LogSpans = t.Tracing.LogSpans
	if t.Tracing.Sampler != "" {
		config.Tracing.Sampler = t.Tracing.Sampler
	}
	if t.Tracing.SamplerParam != nil {
		config.Tracing.SamplerParam = *t.Tracing.SamplerParam
	}
	config.HostInterfaces = t.Discovery.HostInterfaces
	config.Devices = t.Devices
	config.Addresses = t.Addresses
	config.Routes = t.Routes

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the values a configuration file can get wrong.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportUnix:
		if c.SocketPath == "" {
			return errors.New("unix transport needs a socket_path")
		}
	case TransportVsock:
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.MetricsEnabled {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return errors.Wrap(err, "metrics address")
		}
	}

	if err := c.Tracing.Validate(); err != nil {
		return errors.Wrap(err, "tracing")
	}

	for _, p := range c.HostInterfaces {
		if _, err := filepath.Match(p, ""); err != nil {
			return errors.Wrapf(err, "host interface pattern %q", p)
		}
	}

	seen := make(map[int64]bool)
	for _, d := range c.Devices {
		if seen[d.ID] {
			return errors.Errorf("duplicate device id %d", d.ID)
		}
		seen[d.ID] = true
		if d.Subsystem == "" {
			return errors.Errorf("device %d has no subsystem", d.ID)
		}
	}

	for _, a := range c.Addresses {
		if a.Link == "" {
			return errors.Errorf("address %s has no link", a.CIDR)
		}
		p, err := netip.ParsePrefix(a.CIDR)
		if err != nil || !p.Addr().Is4() {
			return errors.Errorf("invalid IPv4 address %q", a.CIDR)
		}
	}

	for _, r := range c.Routes {
		dst, err := netip.ParsePrefix(r.Dst)
		if err != nil {
			return errors.Wrapf(err, "route destination")
		}
		if !dst.Addr().Is4() {
			return errors.Errorf("route destination %s is not IPv4", r.Dst)
		}
		for _, a := range []string{r.Gateway, r.Source} {
			if a == "" {
				continue
			}
			if addr, err := netip.ParseAddr(a); err != nil || !addr.Is4() {
				return errors.Errorf("invalid IPv4 address %q in route to %s", a, r.Dst)
			}
		}
	}

	return nil
}
