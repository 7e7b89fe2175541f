// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ipnet contains helper functions around net and IP
package ipnet

import (
	"fmt"
	"net"
	"net/netip"
)

// AddrPort extracts the IP and port from a net.Addr. UDP and TCP addresses
// are converted directly; any other address is parsed from its string form.
func AddrPort(a net.Addr) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch a := a.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case *net.TCPAddr:
		ap = a.AddrPort()
	case nil:
		return netip.AddrPort{}, errNilAddr
	default:
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %s %q", errUnsupportedAddr, a.Network(), a.String())
		}
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// UDPAddr converts a to the address type PacketConn.WriteTo expects.
func UDPAddr(a netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a)
}

// AddrEqual asserts that two net.Addrs are equal
// Currently only supports UDP and TCP
func AddrEqual(a, b net.Addr) bool {
	if a == nil || b == nil || a.Network() != b.Network() {
		return false
	}
	ap, err := AddrPort(a)
	if err != nil {
		return false
	}
	bp, err := AddrPort(b)

	return err == nil && ap == bp
}
