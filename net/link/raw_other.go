// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package link

import (
	"fmt"
	"runtime"
)

// OpenRaw is only supported on Linux.
func OpenRaw(name string) (Device, error) {
	return nil, fmt.Errorf("link: raw devices not supported on %s", runtime.GOOS)
}
