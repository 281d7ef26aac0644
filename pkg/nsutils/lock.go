// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package nsutils

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// ErrAlreadyRunning is returned when another server holds the lock.
var ErrAlreadyRunning = errors.New("another server is using this socket")

// LockFilePath returns the lock file guarding a unix socket path.
func LockFilePath(socketPath string) string {
	return socketPath + ".lock"
}

// LockSocket takes an exclusive lock for socketPath without blocking. The
// lock is held until UnlockSocket or process exit.
func LockSocket(socketPath string) (*os.File, error) {
	lockPath := LockFilePath(socketPath)

	if _, err := os.Stat(filepath.Dir(lockPath)); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(lockPath), 0750); err != nil {
			return nil, err
		}
	}

	lockFile, err := os.OpenFile(lockPath, os.O_RDONLY|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, errors.Wrap(ErrAlreadyRunning, socketPath)
		}
		return nil, err
	}

	return lockFile, nil
}

// UnlockSocket releases a lock taken by LockSocket.
func UnlockSocket(lockFile *os.File) error {
	if lockFile == nil {
		return errors.New("lockFile cannot be empty")
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN); err != nil {
		return err
	}

	return lockFile.Close()
}
