// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

//  0                   1                   2                   3
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |         Channel Number        |            Length             |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                                                               |
// /                       Application Data                        /
// /                                                               /
// |                                                               |
// |                               +-------------------------------+
// |                               |
// +-------------------------------+

const (
	frameHeaderSize   = 4
	frameNumberStart  = 0
	frameLengthStart  = 2
	channelDataPrefix = 0x40
	channelDataMask   = 0xC0

	// MaxFrameSize is the largest frame a stream reader accepts.
	MaxFrameSize = frameHeaderSize + math.MaxUint16
)

// ChannelData is relayed payload carried on a bound channel.
type ChannelData struct {
	Number ChannelNumber
	Data   []byte
}

func (c *ChannelData) String() string {
	return fmt.Sprintf("channel %d (%d bytes)", c.Number, len(c.Data))
}

// IsChannelData reports whether b starts with a channel data header, that is
// the first two bits are 01.
func IsChannelData(b []byte) bool {
	return len(b) >= frameHeaderSize && b[0]&channelDataMask == channelDataPrefix
}

func putFrameHeader(b []byte, n ChannelNumber, length int) {
	binary.BigEndian.PutUint16(b[frameNumberStart:], uint16(n))
	binary.BigEndian.PutUint16(b[frameLengthStart:], uint16(length)) //nolint:gosec
}

// Encode returns the framed channel data. Stream carriage pads the frame to
// a multiple of four bytes; datagrams are sent unpadded.
func (c *ChannelData) Encode(pad bool) ([]byte, error) {
	if !c.Number.Valid() {
		return nil, ErrInvalidChannelNumber
	}
	if len(c.Data) > math.MaxUint16 {
		return nil, errPayloadTooLarge
	}

	size := frameHeaderSize + len(c.Data)
	if pad {
		size = frameHeaderSize + nearestPaddedValueLength(len(c.Data))
	}
	b := make([]byte, size)
	putFrameHeader(b, c.Number, len(c.Data))
	copy(b[frameHeaderSize:], c.Data)

	return b, nil
}

// DecodeChannelData parses a channel data datagram. Trailing padding after
// the declared length is ignored. Data aliases b.
func DecodeChannelData(b []byte) (*ChannelData, error) {
	if len(b) < frameHeaderSize {
		return nil, truncatedf("channel data header needs %d bytes, got %d", frameHeaderSize, len(b))
	}
	n := ChannelNumber(binary.BigEndian.Uint16(b[frameNumberStart:]))
	if !n.Valid() {
		return nil, fmt.Errorf("%w: got 0x%04x", ErrInvalidChannelNumber, uint16(n))
	}
	l := int(binary.BigEndian.Uint16(b[frameLengthStart:]))
	if l > len(b)-frameHeaderSize {
		return nil, truncatedf("channel data length %d, have %d", l, len(b)-frameHeaderSize)
	}

	return &ChannelData{Number: n, Data: b[frameHeaderSize : frameHeaderSize+l]}, nil
}

// Frame is one unit read from a stream transport: either a Message on
// channel 0 or relayed payload on a bound channel.
type Frame struct {
	Channel ChannelNumber
	// Message is set for channel 0 frames.
	Message *Message
	// Data is set for every other channel.
	Data []byte
}

// FrameReader splits a byte stream into frames.
type FrameReader struct {
	r   io.Reader
	hdr [frameHeaderSize]byte
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until a whole frame is read. Channel data frames are
// expected to be padded to four bytes, as on the wire. A decode error for a
// channel 0 frame wraps ErrInvalidMessage and a frame on a reserved channel
// wraps ErrInvalidChannelNumber; either way the stream should be closed.
func (f *FrameReader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		return nil, err
	}
	n := ChannelNumber(binary.BigEndian.Uint16(f.hdr[frameNumberStart:]))
	l := int(binary.BigEndian.Uint16(f.hdr[frameLengthStart:]))

	if n == 0 {
		b := make([]byte, l)
		if _, err := io.ReadFull(f.r, b); err != nil {
			return nil, err
		}
		m, err := Decode(b)
		if err != nil {
			if IsTruncated(err) {
				// The frame is complete, so a short message is malformed.
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}

			return nil, err
		}

		return &Frame{Message: m}, nil
	}

	if !n.Valid() {
		return nil, fmt.Errorf("%w: got 0x%04x", ErrInvalidChannelNumber, uint16(n))
	}
	b := make([]byte, nearestPaddedValueLength(l))
	if _, err := io.ReadFull(f.r, b); err != nil {
		return nil, err
	}

	return &Frame{Channel: n, Data: b[:l]}, nil
}
