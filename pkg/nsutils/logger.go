// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nsutils

import (
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var nsLog = logrus.WithField("source", "nsutils")

// SetLogger sets the logger for nsutils and nstrace.
func SetLogger(logger *logrus.Entry, level logrus.Level) {
	fields := logrus.Fields{
		"source": "nsutils",
	}

	nsLog = logger.WithFields(fields)
	nsLog.Logger.SetLevel(level)

	nstrace.SetLogger(logger)
}

// NewLogger returns the root entry used by the server, configured from c.
func NewLogger(name string, c Config) *logrus.Entry {
	l := logrus.New()
	l.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		l.Formatter = &logrus.JSONFormatter{}
	} else {
		l.Formatter = &logrus.TextFormatter{TimestampFormat: "2006-01-02T15:04:05.999999999Z07:00", FullTimestamp: true}
	}

	return l.WithField("name", name)
}
