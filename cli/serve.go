// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/kestrel-os/netserver/netserver"
	"github.com/kestrel-os/netserver/netserver/device"
	"github.com/kestrel-os/netserver/netserver/transport"
	"github.com/kestrel-os/netserver/pkg/nsutils"
	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var serveCLICommand = cli.Command{
	Name:  "serve",
	Usage: "run the network server",
	Description: `The serve command binds the configured devices, applies the static
   addresses and routes, and answers client requests on the configured
   transport until it receives SIGINT or SIGTERM. Host interfaces matching
   the [discovery] patterns are bound as they come up.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Usage: "listen on this unix socket instead of the configured transport",
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

		if path := context.String("socket"); path != "" {
			config.Transport = nsutils.TransportUnix
			config.SocketPath = path
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, config)
	},
}

func serve(ctx context.Context, config nsutils.Config) error {
	span, ctx := nstrace.Trace(ctx, nsLog, "serve")
	defer span.Finish()

	s := netserver.New(config)
	defer func() {
		if err := s.Close(); err != nil {
			nsLog.WithError(err).Warn("Shutdown errors")
		}
	}()

	// A device or static entry that cannot be applied is not fatal, the
	// rest of the configuration still is.
	if err := s.BindConfigured(ctx); err != nil {
		nsLog.WithError(err).Warn("Configuration partially applied")
	}

	if len(config.HostInterfaces) > 0 {
		events, err := device.WatchHost(ctx, config.HostInterfaces)
		if err != nil {
			return err
		}
		go s.Discover(ctx, events)
	}

	if config.MetricsEnabled {
		metrics, err := startMetrics(config.MetricsAddress)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metrics.Shutdown(shutdownCtx)
		}()
	}

	l, err := transport.Listen(config)
	if err != nil {
		return err
	}

	nsLog.WithField("transport", config.Transport).Info("Server started")
	return transport.Serve(ctx, l, s)
}

func startMetrics(address string) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	for _, c := range netserver.Collectors() {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nsLog.WithError(err).Error("Metrics server failed")
		}
	}()

	nsLog.WithField("address", address).Info("Serving metrics")
	return srv, nil
}
