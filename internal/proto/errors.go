// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is wrapped by every decode error caused by missing bytes.
	// Stream readers use it to wait for more data.
	ErrTruncated = errors.New("not enough data")
	// ErrInvalidMessage is wrapped by every decode error caused by a
	// structurally complete but semantically invalid buffer.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrIntegrityMismatch is returned by CheckIntegrity.
	ErrIntegrityMismatch = errors.New("message integrity mismatch")
	// ErrFingerprintMismatch is returned by CheckFingerprint.
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
	// ErrNoIntegrity is returned by CheckIntegrity when the attribute is absent.
	ErrNoIntegrity = errors.New("message has no MESSAGE-INTEGRITY")

	// ErrInvalidChannelNumber is returned for channel data on channel 0 or
	// outside the channel range.
	ErrInvalidChannelNumber = errors.New("channel number not in [0x4000, 0x7FFF]")

	errInvalidErrorCode  = errors.New("invalid error code")
	errInvalidAddress    = errors.New("invalid address")
	errAttributeTooLarge = errors.New("attribute value too large")
	errMessageTooLarge   = errors.New("message too large")
	errPayloadTooLarge   = errors.New("frame payload too large")
	errEmptyIntegrityKey = errors.New("empty integrity key")
)

// IsTruncated reports whether err was caused by missing bytes.
func IsTruncated(err error) bool {
	return errors.Is(err, ErrTruncated)
}

func truncatedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTruncated, fmt.Sprintf(format, args...))
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
