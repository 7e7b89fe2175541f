// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package allocation contains all CRUD operations for allocations
package allocation

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
)

// RelayConn is the relay transport handle owned by an allocation.
type RelayConn interface {
	WriteTo(b []byte, peer netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Sender delivers bytes to a client over the transport the 5-tuple names.
// Bytes for reliable transports are already framed.
type Sender interface {
	Send(fiveTuple FiveTuple, b []byte) error
}

// Allocation is tied to a FiveTuple and relays traffic
// use CreateAllocation and GetAllocation to operate.
type Allocation struct {
	id        uint64
	fiveTuple FiveTuple
	username  string
	realm     string
	key       []byte

	relay     RelayConn
	relayAddr netip.AddrPort
	relayPort uint16

	expiresAt     time.Time
	lifetimeTimer clock.Timer
	onExpire      func()

	permissions    map[netip.Addr]*Permission
	clientChannels *channelTable
	serverChannels *channelTable
	channelCursor  proto.ChannelNumber

	// Allocate retransmission cache.
	createdBy proto.TransactionID
	response  *proto.Message

	reservation *proto.ReservationToken

	permissionTimeout  time.Duration
	channelBindTimeout time.Duration

	clock  clock.Clock
	sender Sender
	events EventHandler
	log    logging.LeveledLogger
	closed bool
}

// FiveTuple returns the 5-tuple the allocation was created on.
func (a *Allocation) FiveTuple() FiveTuple {
	return a.fiveTuple
}

// Username returns the username that authenticated the allocation.
func (a *Allocation) Username() string {
	return a.username
}

// Realm returns the realm the allocation was authenticated in.
func (a *Allocation) Realm() string {
	return a.realm
}

// Key returns the integrity key bound to the allocation.
func (a *Allocation) Key() []byte {
	return a.key
}

// RelayAddr returns the relayed transport address.
func (a *Allocation) RelayAddr() netip.AddrPort {
	return a.relayAddr
}

// ExpiresAt returns when the allocation lapses unless refreshed.
func (a *Allocation) ExpiresAt() time.Time {
	return a.expiresAt
}

// ReservationToken returns the token reserving the odd port paired with this
// allocation's relay port, or nil.
func (a *Allocation) ReservationToken() *proto.ReservationToken {
	return a.reservation
}

// SetResponse caches the success response to the Allocate request with id,
// so a retransmission of that request gets the same answer.
func (a *Allocation) SetResponse(id proto.TransactionID, res *proto.Message) {
	a.createdBy = id
	a.response = res
}

// Response returns the cached response if id is the transaction that
// created the allocation.
func (a *Allocation) Response(id proto.TransactionID) (*proto.Message, bool) {
	if a.response == nil || a.createdBy != id {
		return nil, false
	}

	return a.response, true
}

// Refresh updates the allocations lifetime and re-arms the expiry timer.
func (a *Allocation) Refresh(lifetime time.Duration) {
	if a.closed {
		return
	}
	if a.lifetimeTimer != nil {
		a.lifetimeTimer.Stop()
	}
	a.expiresAt = a.clock.Now().Add(lifetime)
	a.lifetimeTimer = a.clock.AfterFunc(lifetime, a.onExpire)
}

// ExistsPermission reports whether a live permission exists for addr. An
// expired permission is evicted as a side effect.
func (a *Allocation) ExistsPermission(addr netip.Addr) bool {
	addr = addr.Unmap()
	p, ok := a.permissions[addr]
	if !ok {
		return false
	}
	if p.expired(a.clock.Now()) {
		delete(a.permissions, addr)
		a.log.Debugf("Permission for %s on %v expired", addr, a.fiveTuple)
		if f := a.events.OnPermissionDeleted; f != nil {
			f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
				a.username, a.realm, a.relayAddr, addr)
		}

		return false
	}

	return true
}

// RefreshPermission creates or refreshes the permission for addr.
func (a *Allocation) RefreshPermission(addr netip.Addr) {
	addr = addr.Unmap()
	expiresAt := a.clock.Now().Add(a.permissionTimeout)
	if a.ExistsPermission(addr) {
		a.permissions[addr].expiresAt = expiresAt

		return
	}

	a.permissions[addr] = &Permission{Addr: addr, expiresAt: expiresAt}
	a.log.Debugf("Permission for %s on %v created", addr, a.fiveTuple)
	if f := a.events.OnPermissionCreated; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, addr)
	}
}

// SendToPeer relays data to peer from the relay socket. Sending refreshes
// the permission for the peer.
func (a *Allocation) SendToPeer(peer netip.AddrPort, data []byte) error {
	if a.closed {
		return errAllocationClosed
	}
	peer = unmap(peer)
	a.RefreshPermission(peer.Addr())

	return a.relay.WriteTo(data, peer)
}

// SendChannelData relays data received from the client on channel n to
// the peer bound to it.
func (a *Allocation) SendChannelData(n proto.ChannelNumber, data []byte) error {
	c := a.clientChannels.number(n, a.clock.Now())
	if c == nil {
		return fmt.Errorf("%w: %d", errNoChannel, n)
	}

	return a.SendToPeer(c.Peer, data)
}

//  https://tools.ietf.org/html/rfc5766#section-10.3
//  When the server receives a UDP datagram at a currently allocated
//  relayed transport address, the server looks up the allocation
//  associated with the relayed transport address.  The server then
//  checks to see whether the set of permissions for the allocation allow
//  the relaying of the UDP datagram as described in Section 8.
//
//  If relaying is permitted, then the server checks if there is a
//  channel bound to the peer that sent the UDP datagram (see
//  Section 11).  If a channel is bound, then processing proceeds as
//  described in Section 11.7.
//
//  If relaying is permitted but no channel is bound to the peer, then
//  the server forms and sends a Data indication.

// SendToClient delivers data received from peer to the client. Data goes
// out as channel data once the channel toward the client is confirmed, and
// as a Data indication naming the channel before that.
func (a *Allocation) SendToClient(peer netip.AddrPort, data []byte) error {
	if a.closed {
		return errAllocationClosed
	}
	peer = unmap(peer)
	if !a.ExistsPermission(peer.Addr()) {
		return fmt.Errorf("%w: %s", errNoPermission, peer)
	}

	now := a.clock.Now()
	reliable := a.fiveTuple.Protocol.Reliable()
	c := a.serverChannels.peer(peer, now)
	if c != nil && c.Confirmed {
		c.expiresAt = now.Add(a.channelBindTimeout)
		b, err := (&proto.ChannelData{Number: c.Number, Data: data}).Encode(reliable)
		if err != nil {
			return err
		}

		return a.sender.Send(a.fiveTuple, b)
	}

	ind := proto.New(proto.ClassIndication, proto.MethodData)
	ind.PeerAddresses = []netip.AddrPort{peer}
	ind.Data = data
	if c == nil {
		c = a.assignChannel(peer, now)
	}
	if c != nil {
		n := c.Number
		ind.ChannelNumber = &n
	}

	b, err := proto.Encode(ind, reliable)
	if err != nil {
		return err
	}

	return a.sender.Send(a.fiveTuple, b)
}

// assignChannel picks the next free server to client channel number for
// peer. It returns nil if every number is in use.
func (a *Allocation) assignChannel(peer netip.AddrPort, now time.Time) *ChannelBind {
	span := int(proto.MaxChannelNumber-proto.MinChannelNumber) + 1
	for i := 0; i < span; i++ {
		n := a.channelCursor
		if a.channelCursor == proto.MaxChannelNumber {
			a.channelCursor = proto.MinChannelNumber
		} else {
			a.channelCursor++
		}
		if a.serverChannels.number(n, now) != nil {
			continue
		}

		c, _, err := a.serverChannels.bind(n, peer, now.Add(a.channelBindTimeout), now)
		if err != nil {
			return nil
		}
		c.Confirmed = a.fiveTuple.Protocol.Reliable()
		a.log.Debugf("Assigned channel %d for %s on %v", n, peer, a.fiveTuple)

		return c
	}

	return nil
}

// ConfirmChannel marks the server assigned channel n for peer as confirmed
// by the client. It reports whether such a channel exists.
func (a *Allocation) ConfirmChannel(peer netip.AddrPort, n proto.ChannelNumber) bool {
	c := a.serverChannels.number(n, a.clock.Now())
	if c == nil || c.Peer != unmap(peer) {
		return false
	}
	c.Confirmed = true

	return true
}

// BindChannel binds channel number n to peer for data from the client, and
// refreshes the peer's permission. Rebinding the same pair refreshes it.
// When the number is free toward the client too, the binding is mirrored
// there, confirmed, so peer data reaches the client on the same number.
func (a *Allocation) BindChannel(peer netip.AddrPort, n proto.ChannelNumber) error {
	if !n.Valid() {
		return fmt.Errorf("%w: %d", errInvalidChannelNumber, n)
	}
	peer = unmap(peer)
	now := a.clock.Now()
	expiresAt := now.Add(a.channelBindTimeout)

	_, created, err := a.clientChannels.bind(n, peer, expiresAt, now)
	if err != nil {
		return err
	}
	a.RefreshPermission(peer.Addr())

	if sc := a.serverChannels.peer(peer, now); sc != nil && sc.Number != n && !sc.Confirmed {
		a.serverChannels.remove(sc)
	}
	if sc, _, err := a.serverChannels.bind(n, peer, expiresAt, now); err == nil {
		sc.Confirmed = true
	}

	if created {
		a.log.Debugf("Channel %d bound to %s on %v", n, peer, a.fiveTuple)
		if f := a.events.OnChannelCreated; f != nil {
			f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
				a.username, a.realm, a.relayAddr, peer, uint16(n))
		}
	}

	return nil
}

// ChannelNumber returns the live channel number the client bound to peer.
func (a *Allocation) ChannelNumber(peer netip.AddrPort) (proto.ChannelNumber, bool) {
	c := a.clientChannels.peer(unmap(peer), a.clock.Now())
	if c == nil {
		return 0, false
	}

	return c.Number, true
}

func (a *Allocation) close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.lifetimeTimer != nil {
		a.lifetimeTimer.Stop()
	}

	return a.relay.Close()
}
