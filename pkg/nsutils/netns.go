// Copyright (c) 2017 Intel Corporation
// Copyright (c) 2018 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package nsutils

import (
	goruntime "runtime"

	"github.com/pkg/errors"
	"github.com/vishvananda/netns"
)

// EnterNetNS runs cb inside the network namespace at netNSPath. It calls
// runtime.LockOSThread and starts no goroutine, so cb runs on the thread
// that switched namespaces. An empty path runs cb in the current namespace.
func EnterNetNS(netNSPath string, cb func() error) error {
	if netNSPath == "" {
		return cb()
	}

	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	currentNS, err := netns.Get()
	if err != nil {
		return errors.Wrap(err, "get current netns")
	}
	defer currentNS.Close()

	targetNS, err := netns.GetFromPath(netNSPath)
	if err != nil {
		return errors.Wrapf(err, "open netns %s", netNSPath)
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return errors.Wrapf(err, "enter netns %s", netNSPath)
	}
	defer netns.Set(currentNS)

	return cb()
}
