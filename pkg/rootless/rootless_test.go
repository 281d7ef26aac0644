// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package rootless

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUIDMap(t *testing.T) {
	type testData struct {
		contents string
		rootless bool
		uid      int
		err      bool
	}

	data := []testData{
		{"         0          0 4294967295\n", false, 0, false},
		{"         0       1000          1\n", true, 1000, false},
		{"      1000       1000          1\n         0     100000      65536\n", true, 100000, false},
		{"", false, 0, false},
		{"0\n", false, 0, false},
		{"0 abc 1\n", false, 0, true},
	}

	for _, d := range data {
		rootless, uid, err := parseUIDMap(strings.NewReader(d.contents))
		if d.err {
			assert.Error(t, err, "%q", d.contents)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, d.rootless, rootless, "%q", d.contents)
		assert.Equal(t, d.uid, uid, "%q", d.contents)
	}
}

func TestSetRootless(t *testing.T) {
	assert := assert.New(t)

	savedPath, savedRootless, savedUID := uidMapPath, isRootless, hostUID
	defer func() {
		uidMapPath, isRootless, hostUID = savedPath, savedRootless, savedUID
	}()

	uidMapPath = filepath.Join(t.TempDir(), "uid_map")
	assert.NoError(os.WriteFile(uidMapPath, []byte("0 1234 1\n"), 0600))

	assert.NoError(SetRootless())
	assert.True(IsRootless())
	assert.Equal(1234, GetRootlessUID())
	assert.Equal("/run/user/1234/netserver", RuntimeDir())

	uidMapPath = filepath.Join(t.TempDir(), "missing")
	assert.NoError(SetRootless())
}
