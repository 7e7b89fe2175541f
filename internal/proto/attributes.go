// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"fmt"
	"strconv"
)

// AttrType represents an attribute type.
// https://tools.ietf.org/html/rfc5389#section-15
type AttrType uint16

// Comprehension-required range (0x0000-0x7FFF).
const (
	AttrMappedAddress      AttrType = 0x0001
	AttrResponseAddress    AttrType = 0x0002
	AttrChangeRequest      AttrType = 0x0003
	AttrSourceAddress      AttrType = 0x0004
	AttrChangedAddress     AttrType = 0x0005
	AttrUsername           AttrType = 0x0006
	AttrPassword           AttrType = 0x0007
	AttrMessageIntegrity   AttrType = 0x0008
	AttrErrorCode          AttrType = 0x0009
	AttrUnknownAttributes  AttrType = 0x000A
	AttrReflectedFrom      AttrType = 0x000B
	AttrChannelNumber      AttrType = 0x000C
	AttrLifetime           AttrType = 0x000D
	AttrBandwidth          AttrType = 0x0010
	AttrXORPeerAddress     AttrType = 0x0012
	AttrData               AttrType = 0x0013
	AttrRealm              AttrType = 0x0014
	AttrNonce              AttrType = 0x0015
	AttrXORRelayedAddress  AttrType = 0x0016
	AttrRequestedPortProps AttrType = 0x0018
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment       AttrType = 0x001A
	AttrXORMappedAddress   AttrType = 0x0020
	AttrReservationToken   AttrType = 0x0022
)

// Comprehension-optional range (0x8000-0xFFFF).
const (
	AttrSoftware        AttrType = 0x8022
	AttrAlternateServer AttrType = 0x8023
	AttrFingerprint     AttrType = 0x8028
)

// comprehensionOptional is the first attribute code a decoder may skip.
const comprehensionOptional AttrType = 0x8000

var attrNames = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrResponseAddress:    "RESPONSE-ADDRESS",
	AttrChangeRequest:      "CHANGE-REQUEST",
	AttrSourceAddress:      "SOURCE-ADDRESS",
	AttrChangedAddress:     "CHANGED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrPassword:           "PASSWORD",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrReflectedFrom:      "REFLECTED-FROM",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrBandwidth:          "BANDWIDTH",
	AttrXORPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXORRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedPortProps: "REQUESTED-PORT-PROPS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrDontFragment:       "DONT-FRAGMENT",
	AttrXORMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrReservationToken:   "RESERVATION-TOKEN",
	AttrSoftware:           "SOFTWARE",
	AttrAlternateServer:    "ALTERNATE-SERVER",
	AttrFingerprint:        "FINGERPRINT",
}

func (t AttrType) String() string {
	if s, ok := attrNames[t]; ok {
		return s
	}

	return fmt.Sprintf("0x%x", uint16(t))
}

// known reports whether Decode understands the attribute.
func (t AttrType) known() bool {
	_, ok := attrNames[t]

	return ok
}

// Required reports whether the attribute is in the comprehension-required range.
func (t AttrType) Required() bool {
	return t < comprehensionOptional
}

// ChannelNumber is the CHANNEL-NUMBER attribute value.
type ChannelNumber uint16

// Channel numbers usable for channel bindings. Number 0 is reserved for
// control messages in the stream framing.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

func (n ChannelNumber) String() string { return strconv.Itoa(int(n)) }

// Valid reports whether n can be bound to a peer.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// PortAlignment selects the parity of a requested relay port.
type PortAlignment uint8

// Port alignments carried in REQUESTED-PORT-PROPS.
const (
	AlignNone     PortAlignment = 0
	AlignOdd      PortAlignment = 1
	AlignEven     PortAlignment = 2
	AlignEvenPair PortAlignment = 3
)

func (a PortAlignment) String() string {
	switch a {
	case AlignNone:
		return "none"
	case AlignOdd:
		return "odd"
	case AlignEven:
		return "even"
	case AlignEvenPair:
		return "even+reserve"
	default:
		return fmt.Sprintf("%d", uint8(a))
	}
}

// PortProps is the REQUESTED-PORT-PROPS attribute:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|        Reserved = 0       | A |        Requested Port         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// A one-byte value under the same code is the RFC 5766 EVEN-PORT form and is
// decoded as AlignEven or, with the R bit set, AlignEvenPair.
type PortProps struct {
	Alignment PortAlignment
	Port      uint16
}

// ReservationTokenSize is the size of RESERVATION-TOKEN.
const ReservationTokenSize = 8

// ReservationToken identifies a reserved relay port.
type ReservationToken [ReservationTokenSize]byte
