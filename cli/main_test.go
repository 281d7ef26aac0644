// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli"
)

func writeTestConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "configuration.toml")
	assert.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestVersionCommand(t *testing.T) {
	assert := assert.New(t)

	var out bytes.Buffer
	saved := defaultOutputFile
	defaultOutputFile = &out
	defer func() { defaultOutputFile = saved }()

	path := writeTestConfig(t, "[log]\nlevel = \"warn\"\n")
	err := createApp(context.Background(), []string{name, "--config", path, "version"})
	assert.NoError(err)
	assert.Contains(out.String(), version)
	assert.Contains(out.String(), commit)
}

func TestBadConfiguration(t *testing.T) {
	var out bytes.Buffer
	saved := defaultErrorFile
	defaultErrorFile = &out
	defer func() { defaultErrorFile = saved }()

	path := writeTestConfig(t, "[server]\ntransport = \"carrier-pigeon\"\n")
	err := createApp(context.Background(), []string{name, "--config", path, "version"})
	assert.Error(t, err)
}

func TestCliContextToContext(t *testing.T) {
	assert := assert.New(t)

	_, err := cliContextToContext(nil)
	assert.Error(err)

	app := cli.NewApp()
	app.Metadata = map[string]interface{}{}
	ctx := cli.NewContext(app, nil, nil)

	_, err = cliContextToContext(ctx)
	assert.Error(err)

	_, err = configFromContext(ctx)
	assert.Error(err)

	app.Metadata["context"] = context.Background()
	got, err := cliContextToContext(ctx)
	assert.NoError(err)
	assert.Equal(context.Background(), got)
}
