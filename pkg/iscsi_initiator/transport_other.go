// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
//go:build !linux

package iscsi_initiator

import (
	"net"
	"time"
)

func newDialer(timeout, keepAliveIdle time.Duration) net.Dialer {
	return net.Dialer{Timeout: timeout, KeepAlive: keepAliveIdle}
}
