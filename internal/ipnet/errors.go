// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ipnet

import "errors"

var (
	errNilAddr           = errors.New("address is nil")
	errUnsupportedAddr   = errors.New("failed to convert net.Addr")
	errUnsupportedConn   = errors.New("control messages need a *net.UDPConn")
	errUnsupportedFamily = errors.New("control messages are only read on IPv4 sockets")
)
