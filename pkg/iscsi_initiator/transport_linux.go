// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const keepAliveProbes = 3

// newDialer tunes the keepalive itself instead of the runtime defaults.
func newDialer(timeout, keepAliveIdle time.Duration) net.Dialer {
	return net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1,
		Control:   keepAliveControl(keepAliveIdle),
	}
}

// keepAliveControl enables TCP keepalive with the given idle time and a
// matching user timeout, so a dead target is noticed without traffic.
func keepAliveControl(idle time.Duration) func(network, address string, raw syscall.RawConn) error {
	return func(network, address string, raw syscall.RawConn) error {
		if idle <= 0 {
			return nil
		}
		seconds := int(idle / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		var optionErr error
		err := raw.Control(func(fd uintptr) {
			socket := int(fd)
			options := []struct {
				level, name, value int
			}{
				{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
				{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds},
				{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds},
				{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveProbes},
				{unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, seconds * (keepAliveProbes + 1) * 1000},
			}
			for _, option := range options {
				if optionErr = unix.SetsockoptInt(socket, option.level, option.name, option.value); optionErr != nil {
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return optionErr
	}
}
