// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package proto implements the STUN/TURN wire codec on top of
// github.com/pion/stun: typed messages, the legacy and TURN attributes as
// stun setters and getters, RFC 3489 message integrity and the 4-byte stream
// framing used for channel data.
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/pion/randutil"
	"github.com/pion/stun/v2"
)

//       0                   1                   2                   3
//       0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//      |0 0|     STUN Message Type     |         Message Length        |
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//      |                         Magic Cookie                          |
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//      |                                                               |
//      |                     Transaction ID (96 bits)                  |
//      |                                                               |
//      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	// MagicCookie is the fixed value carried in the first 32 bits of the
	// transaction id of every RFC 5389 message.
	MagicCookie uint32 = 0x2112A442

	// HeaderSize is the size of the fixed message header.
	HeaderSize = 20

	// TransactionIDSize is the size of the transaction id including the cookie.
	TransactionIDSize = 16

	messageLengthStart = 2
	magicCookieStart   = 4
	transactionIDStart = 8
)

// MessageClass of 0b00 is a request, a class of 0b01 is an
// indication, a class of 0b10 is a success response, and a class of
// 0b11 is an error response.
type MessageClass byte

// Possible message classes.
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

var messageClassName = map[MessageClass]string{
	ClassRequest:         "request",
	ClassIndication:      "indication",
	ClassSuccessResponse: "success response",
	ClassErrorResponse:   "error response",
}

func (c MessageClass) String() string {
	if s, ok := messageClassName[c]; ok {
		return s
	}

	return fmt.Sprintf("0x%x", byte(c))
}

// Method is a 12-bit STUN method.
type Method uint16

// STUN and TURN methods.
const (
	MethodBinding             Method = 0x001
	MethodSharedSecret        Method = 0x002
	MethodAllocate            Method = 0x003
	MethodRefresh             Method = 0x004
	MethodSend                Method = 0x006
	MethodData                Method = 0x007
	MethodCreatePermission    Method = 0x008
	MethodChannelBind         Method = 0x009
	MethodChannelConfirmation Method = 0x00A
)

var methodName = map[Method]string{
	MethodBinding:             "Binding",
	MethodSharedSecret:        "SharedSecret",
	MethodAllocate:            "Allocate",
	MethodRefresh:             "Refresh",
	MethodSend:                "Send",
	MethodData:                "Data",
	MethodCreatePermission:    "CreatePermission",
	MethodChannelBind:         "ChannelBind",
	MethodChannelConfirmation: "ChannelConfirmation",
}

func (m Method) String() string {
	if s, ok := methodName[m]; ok {
		return s
	}

	return fmt.Sprintf("0x%x", uint16(m))
}

// TransactionID is the 128-bit field following the length. For RFC 5389
// messages its first four bytes hold MagicCookie.
type TransactionID [TransactionIDSize]byte

var globalMathRandomGenerator = randutil.NewMathRandomGenerator() //nolint:gochecknoglobals

// NewTransactionID returns a random transaction id carrying the magic cookie.
func NewTransactionID() (id TransactionID) {
	binary.BigEndian.PutUint32(id[:4], MagicCookie)
	for i := 4; i < TransactionIDSize; i += 4 {
		v, err := randutil.CryptoUint64()
		if err != nil {
			v = globalMathRandomGenerator.Uint64()
		}
		binary.BigEndian.PutUint32(id[i:], uint32(v)) //nolint:gosec
	}

	return id
}

// HasMagicCookie reports whether the id starts with MagicCookie.
func (id TransactionID) HasMagicCookie() bool {
	return binary.BigEndian.Uint32(id[:4]) == MagicCookie
}

func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// Protocol is the IANA protocol number carried in REQUESTED-TRANSPORT.
type Protocol uint8

// Relay transport protocols.
const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "UDP"
	case ProtoTCP:
		return "TCP"
	default:
		return fmt.Sprintf("%d", uint8(p))
	}
}

// Message is a decoded protocol unit. Every attribute field is optional: a
// nil pointer or nil slice means the attribute is absent and will not be
// encoded.
type Message struct {
	Class         MessageClass
	Method        Method
	TransactionID TransactionID

	MappedAddress      *netip.AddrPort
	ResponseAddress    *netip.AddrPort
	ChangeRequest      *ChangeRequest
	SourceAddress      *netip.AddrPort
	ChangedAddress     *netip.AddrPort
	Username           *string
	Password           *string
	ErrorCode          *ErrorCode
	UnknownAttributes  []AttrType
	ReflectedFrom      *netip.AddrPort
	ChannelNumber      *ChannelNumber
	Lifetime           *uint32
	Bandwidth          *uint32
	PeerAddresses      []netip.AddrPort
	Data               []byte
	Realm              *string
	Nonce              *string
	RelayedAddress     *netip.AddrPort
	PortProps          *PortProps
	RequestedTransport *Protocol
	DontFragment       bool
	XORMappedAddress   *netip.AddrPort
	ReservationToken   *ReservationToken
	Software           *string
	AlternateServer    *netip.AddrPort

	// MessageIntegrity is the received HMAC; Decode fills it in.
	MessageIntegrity []byte
	// Fingerprint is the received CRC; Decode fills it in.
	Fingerprint *uint32

	// IntegrityKey, when set, makes Encode append MESSAGE-INTEGRITY computed
	// with this key.
	IntegrityKey []byte
	// AddFingerprint makes Encode append FINGERPRINT.
	AddFingerprint bool

	// wire is the message Decode parsed, holding every received attribute.
	wire *stun.Message
}

// New returns an empty message of the given class and method carrying a
// fresh transaction id.
func New(class MessageClass, method Method) *Message {
	return &Message{Class: class, Method: method, TransactionID: NewTransactionID()}
}

// NewResponse returns a message answering req with the given class. The
// transaction id is copied from req.
func NewResponse(req *Message, class MessageClass) *Message {
	return &Message{Class: class, Method: req.Method, TransactionID: req.TransactionID}
}

// Raw returns the bytes the message was decoded from, or nil.
func (m *Message) Raw() []byte {
	if m.wire == nil {
		return nil
	}

	return m.wire.Raw
}

// HasMagicCookie reports whether the message is an RFC 5389 message.
func (m *Message) HasMagicCookie() bool {
	return m.TransactionID.HasMagicCookie()
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s id=%s", m.Method, m.Class, m.TransactionID)
}

// Equal reports whether two messages carry the same header and attributes.
// Integrity and fingerprint values and encoding controls are not compared.
func (m *Message) Equal(b *Message) bool { //nolint:cyclop,gocognit
	if m == nil || b == nil {
		return m == b
	}

	return m.Class == b.Class &&
		m.Method == b.Method &&
		m.TransactionID == b.TransactionID &&
		addrEqual(m.MappedAddress, b.MappedAddress) &&
		addrEqual(m.ResponseAddress, b.ResponseAddress) &&
		ptrEqual(m.ChangeRequest, b.ChangeRequest) &&
		addrEqual(m.SourceAddress, b.SourceAddress) &&
		addrEqual(m.ChangedAddress, b.ChangedAddress) &&
		ptrEqual(m.Username, b.Username) &&
		ptrEqual(m.Password, b.Password) &&
		m.ErrorCode.equal(b.ErrorCode) &&
		attrTypesEqual(m.UnknownAttributes, b.UnknownAttributes) &&
		addrEqual(m.ReflectedFrom, b.ReflectedFrom) &&
		ptrEqual(m.ChannelNumber, b.ChannelNumber) &&
		ptrEqual(m.Lifetime, b.Lifetime) &&
		ptrEqual(m.Bandwidth, b.Bandwidth) &&
		addrsEqual(m.PeerAddresses, b.PeerAddresses) &&
		bytesPresentEqual(m.Data, b.Data) &&
		ptrEqual(m.Realm, b.Realm) &&
		ptrEqual(m.Nonce, b.Nonce) &&
		addrEqual(m.RelayedAddress, b.RelayedAddress) &&
		ptrEqual(m.PortProps, b.PortProps) &&
		ptrEqual(m.RequestedTransport, b.RequestedTransport) &&
		m.DontFragment == b.DontFragment &&
		addrEqual(m.XORMappedAddress, b.XORMappedAddress) &&
		ptrEqual(m.ReservationToken, b.ReservationToken) &&
		ptrEqual(m.Software, b.Software) &&
		addrEqual(m.AlternateServer, b.AlternateServer)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func addrEqual(a, b *netip.AddrPort) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Addr().Unmap() == b.Addr().Unmap() && a.Port() == b.Port()
}

func addrsEqual(a, b []netip.AddrPort) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if !addrEqual(&a[i], &b[i]) {
			return false
		}
	}

	return true
}

func bytesPresentEqual(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}

	return bytes.Equal(a, b)
}

func attrTypesEqual(a, b []AttrType) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// String returns a pointer to s, for filling optional attributes.
func String(s string) *string { return &s }

// Uint32 returns a pointer to v, for filling optional attributes.
func Uint32(v uint32) *uint32 { return &v }

// Addr returns a pointer to a, for filling optional address attributes.
func Addr(a netip.AddrPort) *netip.AddrPort { return &a }

// PeerAddress returns the first XOR-PEER-ADDRESS.
func (m *Message) PeerAddress() (netip.AddrPort, bool) {
	if len(m.PeerAddresses) == 0 {
		return netip.AddrPort{}, false
	}

	return m.PeerAddresses[0], true
}
