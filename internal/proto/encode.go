// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"math"

	"github.com/pion/stun/v2"
)

// transactionID writes the full 128-bit id into the header. For RFC 3489
// messages the first four bytes replace the magic cookie.
type transactionID TransactionID

func (id transactionID) AddTo(m *stun.Message) error {
	copy(m.TransactionID[:], id[magicCookieStart:])
	copy(m.Raw[magicCookieStart:HeaderSize], id[:])

	return nil
}

// setters returns the attributes of m in encoding order.
func (m *Message) setters() []stun.Setter { //nolint:cyclop,gocyclo
	s := []stun.Setter{
		stun.NewType(stun.Method(m.Method), stun.MessageClass(m.Class)),
		transactionID(m.TransactionID),
	}
	if m.MappedAddress != nil {
		s = append(s, MappedAddress(*m.MappedAddress))
	}
	if m.ResponseAddress != nil {
		s = append(s, ResponseAddress(*m.ResponseAddress))
	}
	if m.ChangeRequest != nil {
		s = append(s, *m.ChangeRequest)
	}
	if m.SourceAddress != nil {
		s = append(s, SourceAddress(*m.SourceAddress))
	}
	if m.ChangedAddress != nil {
		s = append(s, ChangedAddress(*m.ChangedAddress))
	}
	if m.Username != nil {
		s = append(s, stun.NewUsername(*m.Username))
	}
	if m.Password != nil {
		s = append(s, Password(*m.Password))
	}
	if m.ErrorCode != nil {
		s = append(s, *m.ErrorCode)
	}
	if m.UnknownAttributes != nil {
		s = append(s, UnknownAttributes(m.UnknownAttributes))
	}
	if m.ReflectedFrom != nil {
		s = append(s, ReflectedFrom(*m.ReflectedFrom))
	}
	if m.ChannelNumber != nil {
		s = append(s, *m.ChannelNumber)
	}
	if m.Lifetime != nil {
		s = append(s, Lifetime(*m.Lifetime))
	}
	if m.Bandwidth != nil {
		s = append(s, Bandwidth(*m.Bandwidth))
	}
	for _, a := range m.PeerAddresses {
		s = append(s, XORPeerAddress(a))
	}
	if m.Data != nil {
		s = append(s, Data(m.Data))
	}
	if m.Realm != nil {
		s = append(s, stun.NewRealm(*m.Realm))
	}
	if m.Nonce != nil {
		s = append(s, stun.NewNonce(*m.Nonce))
	}
	if m.RelayedAddress != nil {
		s = append(s, XORRelayedAddress(*m.RelayedAddress))
	}
	if m.PortProps != nil {
		s = append(s, *m.PortProps)
	}
	if m.RequestedTransport != nil {
		s = append(s, *m.RequestedTransport)
	}
	if m.DontFragment {
		s = append(s, DontFragmentAttr{})
	}
	if m.XORMappedAddress != nil {
		s = append(s, XORMappedAddress(*m.XORMappedAddress))
	}
	if m.ReservationToken != nil {
		s = append(s, *m.ReservationToken)
	}
	if m.Software != nil {
		s = append(s, stun.NewSoftware(*m.Software))
	}
	if m.AlternateServer != nil {
		s = append(s, AlternateServer(*m.AlternateServer))
	}

	return s
}

// Encode serializes m. Attributes are written in a fixed order; when
// m.IntegrityKey is set MESSAGE-INTEGRITY follows them, and when
// m.AddFingerprint is set FINGERPRINT comes last. With framed set the result
// is prefixed by the channel 0 stream frame header.
func Encode(m *Message, framed bool) ([]byte, error) {
	setters := m.setters()
	if m.IntegrityKey != nil {
		if len(m.IntegrityKey) == 0 {
			return nil, errEmptyIntegrityKey
		}
		if m.HasMagicCookie() {
			setters = append(setters, stun.MessageIntegrity(m.IntegrityKey))
		} else {
			setters = append(setters, legacyIntegrity(m.IntegrityKey))
		}
	}
	if m.AddFingerprint {
		setters = append(setters, stun.Fingerprint)
	}

	w, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}
	if w.Length > math.MaxUint16 {
		return nil, errMessageTooLarge
	}
	if !framed {
		return w.Raw, nil
	}

	// The frame length covers the header too, so it overflows first.
	if len(w.Raw) > math.MaxUint16 {
		return nil, errMessageTooLarge
	}
	b := make([]byte, frameHeaderSize+len(w.Raw))
	putFrameHeader(b, 0, len(w.Raw))
	copy(b[frameHeaderSize:], w.Raw)

	return b, nil
}
