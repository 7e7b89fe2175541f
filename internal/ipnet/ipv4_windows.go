// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build windows

package ipnet

import "golang.org/x/net/ipv4"

// ipv4.FlagDst is not supported on Windows; datagrams report the socket's
// local address instead.
func setControlMessage(*ipv4.PacketConn) error {
	return nil
}
