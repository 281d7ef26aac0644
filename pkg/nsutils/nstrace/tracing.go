// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package nstrace reports netserver operations as opentracing spans to a
// jaeger agent. Spans always exist; with tracing disabled they are created
// by a no-op tracer.
package nstrace

import (
	"context"
	"fmt"
	"io"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	jaeger "github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/config"
	"golang.org/x/sys/unix"
)

// Config is the [tracing] section of the configuration.
type Config struct {
	Enabled bool
	// Sampler is a jaeger sampler type: const, probabilistic,
	// ratelimiting or remote.
	Sampler      string
	SamplerParam float64
	// Agent is the host:port of the jaeger agent. Empty uses the
	// library default.
	Agent    string
	LogSpans bool
}

// DefaultConfig samples every span once tracing is enabled.
func DefaultConfig() Config {
	return Config{
		Sampler:      jaeger.SamplerTypeConst,
		SamplerParam: 1,
	}
}

// Validate checks the sampler settings.
func (c Config) Validate() error {
	switch c.Sampler {
	case jaeger.SamplerTypeConst, jaeger.SamplerTypeRemote:
	case jaeger.SamplerTypeProbabilistic:
		if c.SamplerParam < 0 || c.SamplerParam > 1 {
			return errors.Errorf("probabilistic sampler needs a rate in [0,1], got %v", c.SamplerParam)
		}
	case jaeger.SamplerTypeRateLimiting:
		if c.SamplerParam <= 0 {
			return errors.Errorf("ratelimiting sampler needs a positive rate, got %v", c.SamplerParam)
		}
	default:
		return errors.Errorf("unknown sampler %q", c.Sampler)
	}
	return nil
}

var traceLog = logrus.WithField("source", "nstrace")

// SetLogger sets the logger used by nstrace. It is called by nsutils.SetLogger.
func SetLogger(logger *logrus.Entry) {
	fields := traceLog.Data
	traceLog = logger.WithFields(fields)
}

// jaegerLogger routes reporter messages to logrus.
type jaegerLogger struct{}

func (jaegerLogger) Error(msg string) {
	traceLog.Error(msg)
}

func (jaegerLogger) Infof(msg string, args ...interface{}) {
	traceLog.Debugf(msg, args...)
}

var (
	mu      sync.Mutex
	enabled bool
	closer  io.Closer
)

// Start installs the global tracer for service.
func Start(service string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}

	cfg := &config.Configuration{
		ServiceName: service,
		Disabled:    !c.Enabled,
		Sampler: &config.SamplerConfig{
			Type:  c.Sampler,
			Param: c.SamplerParam,
		},
		Reporter: &config.ReporterConfig{
			LogSpans:           c.LogSpans,
			LocalAgentHostPort: c.Agent,
		},
		Tags: []opentracing.Tag{
			{Key: "component", Value: "netserver"},
		},
	}

	tracer, cl, err := cfg.NewTracer(config.Logger(jaegerLogger{}))
	if err != nil {
		return errors.Wrap(err, "create tracer")
	}

	mu.Lock()
	enabled = c.Enabled
	closer = cl
	mu.Unlock()

	// non-root spans are only reported through the global tracer
	opentracing.SetGlobalTracer(tracer)

	traceLog.WithFields(logrus.Fields{
		"enabled": c.Enabled,
		"sampler": c.Sampler,
		"agent":   c.Agent,
	}).Debug("Tracer installed")
	return nil
}

// Stop finishes the span in ctx and flushes the reporter.
func Stop(ctx context.Context) {
	mu.Lock()
	cl := closer
	closer = nil
	mu.Unlock()

	if cl == nil {
		return
	}

	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.Finish()
	}

	if err := cl.Close(); err != nil {
		traceLog.WithError(err).Warn("Flushing spans failed")
	}
}

func isEnabled() bool {
	mu.Lock()
	defer mu.Unlock()

	return enabled
}

// Trace starts a span named name under parent. Every field of logger
// (source, subsystem, link, conn, ...) becomes a span tag, followed by
// tags given as key-value pairs. A trailing key gets an empty value.
func Trace(parent context.Context, logger *logrus.Entry, name string, tags ...string) (opentracing.Span, context.Context) {
	if logger == nil {
		logger = traceLog
	}

	if parent == nil {
		logger.WithField("type", "bug").Error("trace called before context set")
		parent = context.Background()
	}

	span, ctx := opentracing.StartSpanFromContext(parent, name)

	for k, v := range logger.Data {
		span.SetTag(k, fmt.Sprint(v))
	}

	for i := 0; i < len(tags); i += 2 {
		if i+1 == len(tags) {
			span.SetTag(tags[i], "")
		} else {
			span.SetTag(tags[i], tags[i+1])
		}
	}

	if isEnabled() {
		logger.WithField("span", name).Debug("Span started")
	}

	return span, ctx
}

// TraceNetlink starts a span for one netlink message, tagged with the
// fields of its header.
func TraceNetlink(parent context.Context, logger *logrus.Entry, typeName string, h unix.NlMsghdr) (opentracing.Span, context.Context) {
	span, ctx := Trace(parent, logger, "netlink "+typeName)

	span.SetTag("netlink.type", h.Type)
	span.SetTag("netlink.flags", fmt.Sprintf("%#x", h.Flags))
	span.SetTag("netlink.seq", h.Seq)
	span.SetTag("netlink.pid", h.Pid)

	return span, ctx
}

// SetError marks span as failed with err. A nil err leaves span untouched.
func SetError(span opentracing.Span, err error) {
	if err == nil {
		return
	}
	span.SetTag("error", true)
	span.LogKV("event", "error", "message", err.Error())
}
