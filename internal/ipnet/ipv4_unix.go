// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !windows

package ipnet

import (
	"fmt"

	"golang.org/x/net/ipv4"
)

func setControlMessage(conn *ipv4.PacketConn) error {
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return fmt.Errorf("failed to SetControlMessage ipv4.FlagDst: %w", err)
	}

	return nil
}
