// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rootless detects a server started as root inside a user
// namespace mapped to an unprivileged host user.
package rootless

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	isRootless bool
	hostUID    int

	uidMapPath = "/proc/self/uid_map"
	runUserDir = "/run/user"
)

// parseUIDMap reports whether uid 0 is mapped to a non root host uid.
func parseUIDMap(r io.Reader) (bool, int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ids := strings.Fields(scanner.Text())
		if len(ids) < 2 {
			continue
		}

		if ids[0] == "0" && ids[1] != "0" {
			uid, err := strconv.Atoi(ids[1])
			if err != nil {
				return false, 0, errors.Wrapf(err, "invalid uid_map line %q", scanner.Text())
			}
			return true, uid, nil
		}
	}
	return false, 0, scanner.Err()
}

// SetRootless reads the uid mappings of the process. It should be called
// once at startup.
func SetRootless() error {
	f, err := os.Open(uidMapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	mapped, uid, err := parseUIDMap(f)
	if err != nil {
		return err
	}

	isRootless = mapped
	hostUID = uid
	return nil
}

// IsRootless states whether the server runs without host root.
func IsRootless() bool {
	return isRootless
}

// GetRootlessUID returns the UID of the user in the parent user namespace.
func GetRootlessUID() int {
	return hostUID
}

// RuntimeDir returns the per user runtime directory used in place of
// /run when rootless.
func RuntimeDir() string {
	return filepath.Join(runUserDir, fmt.Sprint(hostUID), "netserver")
}
