// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/pion/stun/v2"
)

const (
	uint32Size        = 4
	channelNumberSize = 4
	transportSize     = 4
	portPropsSize     = 4
	evenPortSize      = 1
	dontFragmentSize  = 0

	evenPortRBit  = 0x80
	portPropsMask = 0x3
)

// AddTo adds CHANNEL-NUMBER to m.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberSize)
	binary.BigEndian.PutUint16(v, uint16(n))
	// v[2:4] are zeroes (RFFU = 0)
	m.Add(stun.AttrChannelNumber, v)

	return nil
}

// GetFrom decodes CHANNEL-NUMBER from m.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrChannelNumber, len(v), channelNumberSize); err != nil {
		return err
	}
	*n = ChannelNumber(binary.BigEndian.Uint16(v))

	return nil
}

func addUint32(m *stun.Message, t AttrType, u uint32) {
	v := make([]byte, uint32Size)
	binary.BigEndian.PutUint32(v, u)
	m.Add(stun.AttrType(t), v)
}

func getUint32(m *stun.Message, t AttrType) (uint32, error) {
	v, err := m.Get(stun.AttrType(t))
	if err != nil {
		return 0, err
	}
	if err = stun.CheckSize(stun.AttrType(t), len(v), uint32Size); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(v), nil
}

// Lifetime is the LIFETIME attribute in seconds.
type Lifetime uint32

// AddTo adds LIFETIME to m.
func (l Lifetime) AddTo(m *stun.Message) error {
	addUint32(m, AttrLifetime, uint32(l))

	return nil
}

// GetFrom decodes LIFETIME from m.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := getUint32(m, AttrLifetime)
	*l = Lifetime(v)

	return err
}

// Bandwidth is the BANDWIDTH attribute in kbit/s.
type Bandwidth uint32

// AddTo adds BANDWIDTH to m.
func (b Bandwidth) AddTo(m *stun.Message) error {
	addUint32(m, AttrBandwidth, uint32(b))

	return nil
}

// GetFrom decodes BANDWIDTH from m.
func (b *Bandwidth) GetFrom(m *stun.Message) error {
	v, err := getUint32(m, AttrBandwidth)
	*b = Bandwidth(v)

	return err
}

// XORPeerAddress is the XOR-PEER-ADDRESS attribute.
type XORPeerAddress netip.AddrPort

// AddTo adds XOR-PEER-ADDRESS to m.
func (a XORPeerAddress) AddTo(m *stun.Message) error {
	return addXORAddress(m, AttrXORPeerAddress, netip.AddrPort(a))
}

// GetFrom decodes the first XOR-PEER-ADDRESS in m.
func (a *XORPeerAddress) GetFrom(m *stun.Message) error {
	return getXORAddress(m, AttrXORPeerAddress, (*netip.AddrPort)(a))
}

// XORRelayedAddress is the XOR-RELAYED-ADDRESS attribute.
type XORRelayedAddress netip.AddrPort

// AddTo adds XOR-RELAYED-ADDRESS to m.
func (a XORRelayedAddress) AddTo(m *stun.Message) error {
	return addXORAddress(m, AttrXORRelayedAddress, netip.AddrPort(a))
}

// GetFrom decodes XOR-RELAYED-ADDRESS from m.
func (a *XORRelayedAddress) GetFrom(m *stun.Message) error {
	return getXORAddress(m, AttrXORRelayedAddress, (*netip.AddrPort)(a))
}

// Data is the DATA attribute.
type Data []byte

// AddTo adds DATA to m.
func (d Data) AddTo(m *stun.Message) error {
	if len(d) > math.MaxUint16 {
		return fmt.Errorf("%w: DATA is %d bytes", errAttributeTooLarge, len(d))
	}
	m.Add(stun.AttrData, d)

	return nil
}

// GetFrom decodes DATA from m. The value aliases the message buffer.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = v[:len(v):len(v)]

	return nil
}

// AddTo adds REQUESTED-PORT-PROPS to m in its four byte form.
func (p PortProps) AddTo(m *stun.Message) error {
	v := make([]byte, portPropsSize)
	v[1] = byte(p.Alignment) & portPropsMask
	binary.BigEndian.PutUint16(v[2:], p.Port)
	m.Add(stun.AttrType(AttrRequestedPortProps), v)

	return nil
}

// GetFrom decodes REQUESTED-PORT-PROPS, or the one byte EVEN-PORT sharing
// its code, from m.
func (p *PortProps) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrType(AttrRequestedPortProps))
	if err != nil {
		return err
	}

	switch len(v) {
	case portPropsSize:
		p.Alignment = PortAlignment(v[1] & portPropsMask)
		p.Port = binary.BigEndian.Uint16(v[2:])
	case evenPortSize:
		p.Alignment, p.Port = AlignEven, 0
		if v[0]&evenPortRBit != 0 {
			p.Alignment = AlignEvenPair
		}
	default:
		return stun.ErrAttributeSizeInvalid
	}

	return nil
}

// AddTo adds REQUESTED-TRANSPORT to m.
func (p Protocol) AddTo(m *stun.Message) error {
	v := make([]byte, transportSize)
	v[0] = byte(p)
	// v[1:4] is RFFU = 0.
	m.Add(stun.AttrRequestedTransport, v)

	return nil
}

// GetFrom decodes REQUESTED-TRANSPORT from m.
func (p *Protocol) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrRequestedTransport, len(v), transportSize); err != nil {
		return err
	}
	*p = Protocol(v[0])

	return nil
}

// DontFragmentAttr represents DONT-FRAGMENT attribute.
type DontFragmentAttr struct{}

// AddTo adds DONT-FRAGMENT attribute to message.
func (DontFragmentAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrDontFragment, nil)

	return nil
}

// GetFrom decodes DONT-FRAGMENT from message.
func (d *DontFragmentAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrDontFragment)
	if err != nil {
		return err
	}

	return stun.CheckSize(stun.AttrDontFragment, len(v), dontFragmentSize)
}

// IsSet returns true if DONT-FRAGMENT attribute is set.
func (DontFragmentAttr) IsSet(m *stun.Message) bool {
	_, err := m.Get(stun.AttrDontFragment)

	return err == nil
}

// AddTo adds RESERVATION-TOKEN to m.
func (t ReservationToken) AddTo(m *stun.Message) error {
	m.Add(stun.AttrReservationToken, t[:])

	return nil
}

// GetFrom decodes RESERVATION-TOKEN from m.
func (t *ReservationToken) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrReservationToken)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrReservationToken, len(v), ReservationTokenSize); err != nil {
		return err
	}
	copy(t[:], v)

	return nil
}
