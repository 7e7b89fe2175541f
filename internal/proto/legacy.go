// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"
	"net/netip"

	"github.com/pion/stun/v2"
)

const (
	changeRequestSize = 4
	changeIPBit       = 0x04
	changePortBit     = 0x02

	maxPasswordB = 763
	attrTypeSize = 2
)

// ChangeRequest is the RFC 3489 CHANGE-REQUEST attribute.
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// AddTo adds CHANGE-REQUEST to m.
func (c ChangeRequest) AddTo(m *stun.Message) error {
	v := make([]byte, changeRequestSize)
	if c.ChangeIP {
		v[3] |= changeIPBit
	}
	if c.ChangePort {
		v[3] |= changePortBit
	}
	m.Add(stun.AttrChangeRequest, v)

	return nil
}

// GetFrom decodes CHANGE-REQUEST from m.
func (c *ChangeRequest) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChangeRequest)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrChangeRequest, len(v), changeRequestSize); err != nil {
		return err
	}
	c.ChangeIP = v[3]&changeIPBit != 0
	c.ChangePort = v[3]&changePortBit != 0

	return nil
}

// ResponseAddress is the RFC 3489 RESPONSE-ADDRESS attribute.
type ResponseAddress netip.AddrPort

// AddTo adds RESPONSE-ADDRESS to m.
func (a ResponseAddress) AddTo(m *stun.Message) error {
	return addAddress(m, AttrResponseAddress, netip.AddrPort(a))
}

// GetFrom decodes RESPONSE-ADDRESS from m.
func (a *ResponseAddress) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrResponseAddress, (*netip.AddrPort)(a))
}

// SourceAddress is the RFC 3489 SOURCE-ADDRESS attribute.
type SourceAddress netip.AddrPort

// AddTo adds SOURCE-ADDRESS to m.
func (a SourceAddress) AddTo(m *stun.Message) error {
	return addAddress(m, AttrSourceAddress, netip.AddrPort(a))
}

// GetFrom decodes SOURCE-ADDRESS from m.
func (a *SourceAddress) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrSourceAddress, (*netip.AddrPort)(a))
}

// ChangedAddress is the RFC 3489 CHANGED-ADDRESS attribute.
type ChangedAddress netip.AddrPort

// AddTo adds CHANGED-ADDRESS to m.
func (a ChangedAddress) AddTo(m *stun.Message) error {
	return addAddress(m, AttrChangedAddress, netip.AddrPort(a))
}

// GetFrom decodes CHANGED-ADDRESS from m.
func (a *ChangedAddress) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrChangedAddress, (*netip.AddrPort)(a))
}

// ReflectedFrom is the RFC 3489 REFLECTED-FROM attribute.
type ReflectedFrom netip.AddrPort

// AddTo adds REFLECTED-FROM to m.
func (a ReflectedFrom) AddTo(m *stun.Message) error {
	return addAddress(m, AttrReflectedFrom, netip.AddrPort(a))
}

// GetFrom decodes REFLECTED-FROM from m.
func (a *ReflectedFrom) GetFrom(m *stun.Message) error {
	return getAddress(m, AttrReflectedFrom, (*netip.AddrPort)(a))
}

// Password is the PASSWORD attribute of a Shared Secret response.
type Password string

// AddTo adds PASSWORD to m.
func (p Password) AddTo(m *stun.Message) error {
	return stun.TextAttribute(p).AddToAs(m, stun.AttrType(AttrPassword), maxPasswordB)
}

// GetFrom decodes PASSWORD from m.
func (p *Password) GetFrom(m *stun.Message) error {
	var v stun.TextAttribute
	if err := v.GetFromAs(m, stun.AttrType(AttrPassword)); err != nil {
		return err
	}
	*p = Password(v)

	return nil
}

// UnknownAttributes is the UNKNOWN-ATTRIBUTES attribute. Each type takes
// two bytes on the wire.
type UnknownAttributes []AttrType

// AddTo adds UNKNOWN-ATTRIBUTES to m.
func (a UnknownAttributes) AddTo(m *stun.Message) error {
	v := make([]byte, attrTypeSize*len(a))
	for i, t := range a {
		binary.BigEndian.PutUint16(v[attrTypeSize*i:], uint16(t))
	}
	m.Add(stun.AttrUnknownAttributes, v)

	return nil
}

// GetFrom decodes UNKNOWN-ATTRIBUTES from m.
func (a *UnknownAttributes) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrUnknownAttributes)
	if err != nil {
		return err
	}
	if len(v)%attrTypeSize != 0 {
		return stun.ErrBadUnknownAttrsSize
	}
	*a = make(UnknownAttributes, 0, len(v)/attrTypeSize)
	for i := 0; i < len(v); i += attrTypeSize {
		*a = append(*a, AttrType(binary.BigEndian.Uint16(v[i:])))
	}

	return nil
}
