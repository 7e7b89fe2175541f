// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"
	"errors"

	"github.com/pion/stun/v2"
)

const (
	messageIntegritySize = 20
	fingerprintSize      = 4

	// hmacBlockSize is the boundary RFC 3489 messages are zero-padded to
	// before hashing.
	hmacBlockSize = 64
)

// LongTermKey returns MD5(username ":" realm ":" password), the key used for
// MESSAGE-INTEGRITY under long-term credentials.
func LongTermKey(username, realm, password string) []byte {
	return stun.NewLongTermIntegrity(username, realm, password)
}

// ShortTermKey returns the key used for MESSAGE-INTEGRITY under short-term
// credentials, which is the password itself.
func ShortTermKey(password string) []byte {
	return stun.NewShortTermIntegrity(password)
}

// legacyIntegrity is MESSAGE-INTEGRITY as RFC 3489 computes it: the HMAC
// input is zero-padded to a multiple of 64 bytes. The padding is never sent.
type legacyIntegrity []byte

func (k legacyIntegrity) hmac(b []byte) []byte {
	mac := hmac.New(sha1.New, k)
	mac.Write(b) //nolint:errcheck
	if rem := len(b) % hmacBlockSize; rem != 0 {
		mac.Write(make([]byte, hmacBlockSize-rem)) //nolint:errcheck
	}

	return mac.Sum(nil)
}

// AddTo appends MESSAGE-INTEGRITY computed over m.Raw.
func (k legacyIntegrity) AddTo(m *stun.Message) error {
	length := m.Length
	m.Length += attributeHeaderSize + messageIntegritySize
	m.WriteLength()
	v := k.hmac(m.Raw)
	m.Length = length
	m.Add(stun.AttrMessageIntegrity, v)

	return nil
}

// Check verifies the first MESSAGE-INTEGRITY of m.
func (k legacyIntegrity) Check(m *stun.Message) error {
	v, err := m.Get(stun.AttrMessageIntegrity)
	if err != nil {
		return err
	}

	start := HeaderSize
	for _, a := range m.Attributes {
		if a.Type == stun.AttrMessageIntegrity {
			break
		}
		start += attributeHeaderSize + nearestPaddedValueLength(int(a.Length))
	}
	b := make([]byte, start)
	copy(b, m.Raw[:start])
	end := start + attributeHeaderSize + messageIntegritySize
	binary.BigEndian.PutUint16(b[messageLengthStart:], uint16(end-HeaderSize)) //nolint:gosec

	if !hmac.Equal(k.hmac(b), v) {
		return ErrIntegrityMismatch
	}

	return nil
}

// HasIntegrity reports whether the decoded message carried MESSAGE-INTEGRITY.
func (m *Message) HasIntegrity() bool {
	return m.wire != nil && m.MessageIntegrity != nil
}

// CheckIntegrity verifies the received MESSAGE-INTEGRITY with key.
func (m *Message) CheckIntegrity(key []byte) error {
	if !m.HasIntegrity() {
		return ErrNoIntegrity
	}

	var c stun.Checker = stun.MessageIntegrity(key)
	if !m.HasMagicCookie() {
		c = legacyIntegrity(key)
	}
	err := c.Check(m.wire)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stun.ErrIntegrityMismatch):
		return ErrIntegrityMismatch
	default:
		return err
	}
}

// CheckFingerprint verifies FINGERPRINT, which must be the last attribute.
// A message without the attribute passes.
func (m *Message) CheckFingerprint() error {
	if m.wire == nil || m.Fingerprint == nil {
		return nil
	}
	attrs := m.wire.Attributes
	if attrs[len(attrs)-1].Type != stun.AttrFingerprint {
		return ErrFingerprintMismatch
	}

	if err := stun.Fingerprint.Check(m.wire); err != nil {
		if errors.Is(err, stun.ErrFingerprintMismatch) {
			return ErrFingerprintMismatch
		}

		return err
	}

	return nil
}
