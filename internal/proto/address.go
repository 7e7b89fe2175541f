// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/stun/v2"
)

//  0                   1                   2                   3
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |0 0 0 0 0 0 0 0|    Family     |           Port                |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                 Address (32 bits or 128 bits)                 |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02

	addressFamilyStart = 1
	addressStart       = 4
)

// checkAddressSize rejects address values whose length does not match the
// family; the stun getters only bound them from above.
func checkAddressSize(m *stun.Message, t AttrType) error {
	v, err := m.Get(stun.AttrType(t))
	if err != nil {
		return err
	}
	if len(v) < addressStart {
		return fmt.Errorf("%w: %s too short (%d)", errInvalidAddress, t, len(v))
	}

	switch family := v[addressFamilyStart]; {
	case family == familyIPv4 && len(v) == addressStart+net.IPv4len:
	case family == familyIPv6 && len(v) == addressStart+net.IPv6len:
	default:
		return fmt.Errorf("%w: %s family 0x%x with %d bytes", errInvalidAddress, t, family, len(v))
	}

	return nil
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, errInvalidAddress
	}

	return netip.AddrPortFrom(a, uint16(port)), nil //nolint:gosec
}

// addAddress adds a as a plain address attribute of type t.
func addAddress(m *stun.Message, t AttrType, a netip.AddrPort) error {
	mapped := &stun.MappedAddress{IP: a.Addr().Unmap().AsSlice(), Port: int(a.Port())}
	if err := mapped.AddToAs(m, stun.AttrType(t)); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}

	return nil
}

func getAddress(m *stun.Message, t AttrType, a *netip.AddrPort) error {
	if err := checkAddressSize(m, t); err != nil {
		return err
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFromAs(m, stun.AttrType(t)); err != nil {
		return err
	}
	addr, err := toAddrPort(mapped.IP, mapped.Port)
	if err != nil {
		return err
	}
	*a = addr

	return nil
}

// addXORAddress adds a as an XOR-obscured address attribute of type t. The
// mask is always the magic cookie and the 96-bit transaction id, also for
// RFC 3489 messages.
func addXORAddress(m *stun.Message, t AttrType, a netip.AddrPort) error {
	xor := stun.XORMappedAddress{IP: a.Addr().Unmap().AsSlice(), Port: int(a.Port())}
	if err := xor.AddToAs(m, stun.AttrType(t)); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}

	return nil
}

func getXORAddress(m *stun.Message, t AttrType, a *netip.AddrPort) error {
	if err := checkAddressSize(m, t); err != nil {
		return err
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFromAs(m, stun.AttrType(t)); err != nil {
		return err
	}
	addr, err := toAddrPort(xor.IP, xor.Port)
	if err != nil {
		return err
	}
	*a = addr

	return nil
}

// MappedAddress is the MAPPED-ADDRESS attribute.
type MappedAddress netip.AddrPort

// AddTo adds MAPPED-ADDRESS to m.
func (a MappedAddress) AddTo(m *stun.Message) error {
	return addAddress(m, AttrMappedAddress, netip.AddrPort(a))
}

// GetFrom decodes MAPPED-ADDRESS from m.
func (a *MappedAddress) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrMappedAddress, (*netip.AddrPort)(a))
}

// AlternateServer is the ALTERNATE-SERVER attribute.
type AlternateServer netip.AddrPort

// AddTo adds ALTERNATE-SERVER to m.
func (a AlternateServer) AddTo(m *stun.Message) error {
	return addAddress(m, AttrAlternateServer, netip.AddrPort(a))
}

// GetFrom decodes ALTERNATE-SERVER from m.
func (a *AlternateServer) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrAlternateServer, (*netip.AddrPort)(a))
}

// XORMappedAddress is the XOR-MAPPED-ADDRESS attribute.
type XORMappedAddress netip.AddrPort

// AddTo adds XOR-MAPPED-ADDRESS to m.
func (a XORMappedAddress) AddTo(m *stun.Message) error {
	return addXORAddress(m, AttrXORMappedAddress, netip.AddrPort(a))
}

// GetFrom decodes XOR-MAPPED-ADDRESS from m.
func (a *XORMappedAddress) GetFrom(m *stun.Message) error {
	return getXORAddress(m, AttrXORMappedAddress, (*netip.AddrPort)(a))
}
