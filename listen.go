// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"context"
	"net"
)

// ListenPacket opens a UDP socket on the operating system network with
// SO_REUSEADDR set where supported, so a restarted server can rebind its
// ports immediately.
func ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	return lc.ListenPacket(ctx, network, address)
}

// Listen opens a TCP listener the way ListenPacket opens UDP sockets.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	return lc.Listen(ctx, network, address)
}
