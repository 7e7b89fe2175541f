// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/pion/stun/v2"
)

const attributeHeaderSize = 4

// UnknownAttributesError is returned when a message carries attributes from
// the comprehension-required range that this codec does not understand.
type UnknownAttributesError struct {
	Types []AttrType
	// Message holds everything that was understood, so a request can still
	// be answered with 420.
	Message *Message
}

func (e *UnknownAttributesError) Error() string {
	return fmt.Sprintf("%s: unknown comprehension-required attributes %v", ErrInvalidMessage, e.Types)
}

// Unwrap makes errors.Is(err, ErrInvalidMessage) hold.
func (e *UnknownAttributesError) Unwrap() error {
	return ErrInvalidMessage
}

// IsMessage reports whether b looks like the start of a STUN message rather
// than channel data: the top two bits of the first byte are zero.
func IsMessage(b []byte) bool {
	return len(b) >= HeaderSize && b[0]&0xC0 == 0
}

// Decode parses a complete message from buf. The buffer is copied, so the
// caller may reuse it.
//
// Errors wrap ErrTruncated when buf holds fewer bytes than the header
// declares, and ErrInvalidMessage for every other structural problem.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, truncatedf("header needs %d bytes, got %d", HeaderSize, len(buf))
	}

	t := binary.BigEndian.Uint16(buf[0:2])
	if t&0xC000 != 0 {
		return nil, invalidf("first two bits must be zero, type 0x%04x", t)
	}

	size := int(binary.BigEndian.Uint16(buf[messageLengthStart : messageLengthStart+2]))
	switch {
	case size%4 != 0:
		return nil, invalidf("length %d not a multiple of 4", size)
	case size > len(buf)-HeaderSize:
		return nil, truncatedf("length %d, have %d", size, len(buf)-HeaderSize)
	case size < len(buf)-HeaderSize:
		return nil, invalidf("length %d, have %d trailing bytes", size, len(buf)-HeaderSize)
	}

	w := &stun.Message{Raw: make([]byte, len(buf))}
	copy(w.Raw, buf)

	// stun.Message rejects headers without the magic cookie, so RFC 3489
	// messages are parsed with it in place and their id is put back after.
	legacy := binary.BigEndian.Uint32(buf[magicCookieStart:]) != MagicCookie
	if legacy {
		binary.BigEndian.PutUint32(w.Raw[magicCookieStart:], MagicCookie)
	}
	err := w.Decode()
	copy(w.Raw[magicCookieStart:transactionIDStart], buf[magicCookieStart:transactionIDStart])
	if err != nil {
		return nil, invalidf("%v", err)
	}

	m := &Message{
		Class:  MessageClass(w.Type.Class),
		Method: Method(w.Type.Method),
		wire:   w,
	}
	copy(m.TransactionID[:], w.Raw[magicCookieStart:HeaderSize])

	understood, unknown := filterAttributes(w.Attributes)
	for _, a := range understood {
		single := &stun.Message{TransactionID: w.TransactionID, Attributes: stun.Attributes{a}}
		if err := m.getFrom(single, AttrType(a.Type)); err != nil {
			return nil, invalidf("%s: %v", AttrType(a.Type), err)
		}
	}

	if len(unknown) > 0 {
		return nil, &UnknownAttributesError{Types: unknown, Message: m}
	}

	return m, nil
}

// filterAttributes picks the attributes a message is read from. Only the
// first instance of an attribute counts, except for XOR-PEER-ADDRESS which
// CreatePermission may repeat. After MESSAGE-INTEGRITY only FINGERPRINT is
// read and nothing follows FINGERPRINT. Comprehension-required types that
// are not understood are returned separately.
func filterAttributes(attrs stun.Attributes) (understood stun.Attributes, unknown []AttrType) {
	var (
		seen             = make(map[AttrType]bool, len(attrs))
		afterIntegrity   bool
		afterFingerprint bool
	)
	for _, a := range attrs {
		at := AttrType(a.Type)
		switch {
		case afterFingerprint:
			continue
		case afterIntegrity && at != AttrFingerprint:
			continue
		case seen[at] && at != AttrXORPeerAddress:
			continue
		}
		seen[at] = true

		switch {
		case at.known():
			understood = append(understood, a)
		case at.Required():
			unknown = append(unknown, at)
		}

		switch at {
		case AttrMessageIntegrity:
			afterIntegrity = true
		case AttrFingerprint:
			afterFingerprint = true
		}
	}

	return understood, unknown
}

// getFrom stores the single attribute of type at held by w.
func (m *Message) getFrom(w *stun.Message, at AttrType) error { //nolint:cyclop,gocyclo
	var getter stun.Getter
	switch at {
	case AttrMappedAddress:
		m.MappedAddress = new(netip.AddrPort)
		getter = (*MappedAddress)(m.MappedAddress)
	case AttrResponseAddress:
		m.ResponseAddress = new(netip.AddrPort)
		getter = (*ResponseAddress)(m.ResponseAddress)
	case AttrSourceAddress:
		m.SourceAddress = new(netip.AddrPort)
		getter = (*SourceAddress)(m.SourceAddress)
	case AttrChangedAddress:
		m.ChangedAddress = new(netip.AddrPort)
		getter = (*ChangedAddress)(m.ChangedAddress)
	case AttrReflectedFrom:
		m.ReflectedFrom = new(netip.AddrPort)
		getter = (*ReflectedFrom)(m.ReflectedFrom)
	case AttrAlternateServer:
		m.AlternateServer = new(netip.AddrPort)
		getter = (*AlternateServer)(m.AlternateServer)
	case AttrXORMappedAddress:
		m.XORMappedAddress = new(netip.AddrPort)
		getter = (*XORMappedAddress)(m.XORMappedAddress)
	case AttrXORRelayedAddress:
		m.RelayedAddress = new(netip.AddrPort)
		getter = (*XORRelayedAddress)(m.RelayedAddress)
	case AttrXORPeerAddress:
		var a XORPeerAddress
		if err := a.GetFrom(w); err != nil {
			return err
		}
		m.PeerAddresses = append(m.PeerAddresses, netip.AddrPort(a))

		return nil
	case AttrChangeRequest:
		m.ChangeRequest = new(ChangeRequest)
		getter = m.ChangeRequest
	case AttrUsername:
		var u stun.Username
		if err := u.GetFrom(w); err != nil {
			return err
		}
		m.Username = String(u.String())

		return nil
	case AttrPassword:
		var p Password
		if err := p.GetFrom(w); err != nil {
			return err
		}
		m.Password = String(string(p))

		return nil
	case AttrRealm:
		var r stun.Realm
		if err := r.GetFrom(w); err != nil {
			return err
		}
		m.Realm = String(r.String())

		return nil
	case AttrNonce:
		var n stun.Nonce
		if err := n.GetFrom(w); err != nil {
			return err
		}
		m.Nonce = String(n.String())

		return nil
	case AttrSoftware:
		var s stun.Software
		if err := s.GetFrom(w); err != nil {
			return err
		}
		m.Software = String(s.String())

		return nil
	case AttrErrorCode:
		m.ErrorCode = new(ErrorCode)
		getter = m.ErrorCode
	case AttrUnknownAttributes:
		getter = (*UnknownAttributes)(&m.UnknownAttributes)
	case AttrChannelNumber:
		m.ChannelNumber = new(ChannelNumber)
		getter = m.ChannelNumber
	case AttrLifetime:
		m.Lifetime = new(uint32)
		getter = (*Lifetime)(m.Lifetime)
	case AttrBandwidth:
		m.Bandwidth = new(uint32)
		getter = (*Bandwidth)(m.Bandwidth)
	case AttrData:
		getter = (*Data)(&m.Data)
	case AttrRequestedPortProps:
		m.PortProps = new(PortProps)
		getter = m.PortProps
	case AttrRequestedTransport:
		m.RequestedTransport = new(Protocol)
		getter = m.RequestedTransport
	case AttrDontFragment:
		m.DontFragment = true
		getter = &DontFragmentAttr{}
	case AttrReservationToken:
		m.ReservationToken = new(ReservationToken)
		getter = m.ReservationToken
	case AttrMessageIntegrity:
		v, _ := w.Get(stun.AttrMessageIntegrity)
		if err := stun.CheckSize(stun.AttrMessageIntegrity, len(v), messageIntegritySize); err != nil {
			return err
		}
		m.MessageIntegrity = v[:len(v):len(v)]

		return nil
	case AttrFingerprint:
		v, _ := w.Get(stun.AttrFingerprint)
		if err := stun.CheckSize(stun.AttrFingerprint, len(v), fingerprintSize); err != nil {
			return err
		}
		m.Fingerprint = Uint32(binary.BigEndian.Uint32(v))

		return nil
	default:
		return nil
	}

	return getter.GetFrom(w)
}

func nearestPaddedValueLength(l int) int {
	n := 4 * (l / 4)
	if n < l {
		n += 4
	}

	return n
}
