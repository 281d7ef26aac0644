// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"github.com/urfave/cli"

	"github.com/kestrel-os/netserver/pkg/nsutils/nstrace"
)

var versionCLICommand = cli.Command{
	Name:  "version",
	Usage: "display version details",
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		span, _ := nstrace.Trace(ctx, nsLog, "version")
		defer span.Finish()

		cli.VersionPrinter(context)
		return nil
	},
}
