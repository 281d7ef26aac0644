// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kestrel-os/netserver/netserver"
	"github.com/kestrel-os/netserver/netserver/transport"
	"github.com/kestrel-os/netserver/pkg/nsutils"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
	"github.com/kestrel-os/netserver/pkg/rootless"
)

const name = "netserver"

// Set at link time.
var (
	version = "0.1.0"
	commit  = "unknown"
)

// nsLog is the logger used by the cli, rebound once the configuration is loaded.
var nsLog = logrus.WithField("source", "cli")

var defaultOutputFile io.Writer = os.Stdout
var defaultErrorFile io.Writer = os.Stderr

var runtimeFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "path to the configuration file (default " + nsutils.DefaultConfigPath + ")",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "override the configured log level (" + strings.Join(logLevels(), ", ") + ")",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug output for logging",
	},
}

var runtimeCommands = []cli.Command{
	serveCLICommand,
	showCLICommand,
	versionCLICommand,
}

func logLevels() []string {
	var levels []string
	for _, l := range logrus.AllLevels {
		levels = append(levels, l.String())
	}
	return levels
}

func makeVersionString() string {
	return fmt.Sprintf("%s\n   commit: %s", version, commit)
}

func createApp(ctx context.Context, args []string) error {
	app := cli.NewApp()

	app.Name = name
	app.Writer = defaultOutputFile
	app.ErrWriter = defaultErrorFile
	app.Usage = "userspace IPv4 network server"
	app.Version = makeVersionString()
	app.Flags = runtimeFlags
	app.Commands = runtimeCommands
	app.Before = beforeSubcommands
	app.After = afterSubcommands
	app.EnableBashCompletion = true

	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(c.App.ErrWriter, "%s: invalid command %q\n", name, command)
		os.Exit(1)
	}

	app.Metadata = map[string]interface{}{
		"context": ctx,
	}

	return app.Run(args)
}

// beforeSubcommands loads the configuration and sets up logging and tracing
// for every command.
func beforeSubcommands(c *cli.Context) error {
	config, err := nsutils.LoadConfiguration(c.GlobalString("config"))
	if err != nil {
		return err
	}

	if level := c.GlobalString("log-level"); level != "" {
		if config.LogLevel, err = logrus.ParseLevel(level); err != nil {
			return err
		}
	}
	if c.GlobalBool("debug") {
		config.LogLevel = logrus.DebugLevel
	}

	if err := rootless.SetRootless(); err != nil {
		return err
	}
	if rootless.IsRootless() && config.SocketPath == nsutils.DefaultSocketPath {
		config.SocketPath = filepath.Join(rootless.RuntimeDir(), filepath.Base(nsutils.DefaultSocketPath))
	}

	logger := nsutils.NewLogger(name, config)
	nsLog = logger.WithField("source", "cli")

	ctx, err := cliContextToContext(c)
	if err != nil {
		return err
	}

	setExternalLoggers(ctx, logger, config.LogLevel)

	if err := nstrace.Start(name, config.Tracing); err != nil {
		return err
	}

	c.App.Metadata["config"] = config
	return nil
}

func afterSubcommands(c *cli.Context) error {
	ctx, err := cliContextToContext(c)
	if err != nil {
		return err
	}

	nstrace.Stop(ctx)
	return nil
}

// setExternalLoggers hands the cli logger to the packages it drives.
func setExternalLoggers(ctx context.Context, logger *logrus.Entry, level logrus.Level) {
	nsutils.SetLogger(logger, level)
	netserver.SetLogger(logger)
	transport.SetLogger(logger)
}

func cliContextToContext(c *cli.Context) (context.Context, error) {
	if c == nil {
		return nil, errors.New("need cli.Context")
	}

	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return nil, errors.New("invalid or missing context in metadata")
	}

	return ctx, nil
}

func configFromContext(c *cli.Context) (nsutils.Config, error) {
	config, ok := c.App.Metadata["config"].(nsutils.Config)
	if !ok {
		return nsutils.Config{}, errors.New("invalid configuration")
	}
	return config, nil
}

func main() {
	if err := createApp(context.Background(), os.Args); err != nil {
		fmt.Fprintf(defaultErrorFile, "%s: %v\n", name, err)
		os.Exit(1)
	}
}
