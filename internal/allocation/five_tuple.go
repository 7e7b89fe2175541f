// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"net/netip"
)

// Protocol is an enum for the transport a client reaches the server over.
type Protocol uint8

// Client transports.
const (
	UDP Protocol = iota
	TCP
	TLS
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "UDP"
	case TCP:
		return "TCP"
	case TLS:
		return "TLS"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// Reliable reports whether the transport is a stream. Messages on reliable
// transports are framed and server assigned channels need no confirmation.
func (p Protocol) Reliable() bool {
	return p == TCP || p == TLS
}

// Tuple is a transport address: protocol, IP address and port. It is a
// comparable value and can be used as a map key.
type Tuple struct {
	Protocol Protocol
	Addr     netip.AddrPort
}

// NewTuple returns a Tuple with IPv4-mapped IPv6 addresses unmapped, so that
// the same endpoint always compares equal.
func NewTuple(protocol Protocol, addr netip.AddrPort) Tuple {
	return Tuple{Protocol: protocol, Addr: unmap(addr)}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s", t.Protocol, t.Addr)
}

// FiveTuple is the combination (client IP address and port, server IP
// address and port, and transport protocol (currently one of UDP,
// TCP, or TLS)) used to communicate between the client and the
// server.  The 5-tuple uniquely identifies this communication
// stream.  The 5-tuple also uniquely identifies the Allocation on
// the server.
type FiveTuple struct {
	Protocol
	SrcAddr, DstAddr netip.AddrPort
}

// NewFiveTuple builds the FiveTuple for a client at src talking to the
// server's local address dst.
func NewFiveTuple(protocol Protocol, src, dst netip.AddrPort) FiveTuple {
	return FiveTuple{Protocol: protocol, SrcAddr: unmap(src), DstAddr: unmap(dst)}
}

// Equal asserts if two FiveTuples are equal.
func (f FiveTuple) Equal(b FiveTuple) bool {
	return f == b
}

// Remote is the client side of the association.
func (f FiveTuple) Remote() Tuple {
	return Tuple{Protocol: f.Protocol, Addr: f.SrcAddr}
}

// Local is the server side of the association.
func (f FiveTuple) Local() Tuple {
	return Tuple{Protocol: f.Protocol, Addr: f.DstAddr}
}

func (f FiveTuple) String() string {
	return fmt.Sprintf("%s %s->%s", f.Protocol, f.SrcAddr, f.DstAddr)
}

func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
