// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ipnet

import (
	"net"
	"net/netip"
)

// A ControlMessage represents per packet basis IP-level socket options.
type ControlMessage struct {
	Dst netip.Addr // destination address, receiving only
}

// A PacketConn represents a packet network endpoint that uses the IPvX transport.
type PacketConn interface {
	net.PacketConn

	ReadFromCM(b []byte) (n int, cm *ControlMessage, src net.Addr, err error)
}

// NewPacketConn returns a PacketConn reporting the destination address of
// every datagram read from c. Only IPv4 sockets of the operating system are
// supported; callers fall back to c.LocalAddr for anything else.
func NewPacketConn(c net.PacketConn) (PacketConn, error) {
	udp, ok := c.(*net.UDPConn)
	if !ok {
		return nil, errUnsupportedConn
	}
	local, err := AddrPort(udp.LocalAddr())
	if err != nil {
		return nil, err
	}
	if !local.Addr().Is4() {
		return nil, errUnsupportedFamily
	}

	return newIPv4PacketConn(udp)
}
