// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net/netip"
	"time"

	"github.com/pion/returnd/internal/proto"
)

// DefaultChannelBindTimeout is how long a channel binding lives without refresh.
const DefaultChannelBindTimeout = time.Duration(10) * time.Minute

// ChannelBind represents a TURN Channel
// https://tools.ietf.org/html/rfc5766#section-2.5
type ChannelBind struct {
	Number proto.ChannelNumber
	Peer   netip.AddrPort
	// Confirmed is set once the client has acknowledged a server assigned
	// number. Until then data to the client goes out as Data indications.
	Confirmed bool

	expiresAt time.Time
}

func (c *ChannelBind) expired(now time.Time) bool {
	return !now.Before(c.expiresAt)
}

// channelTable maps channel numbers to peers and back for one direction.
// Both maps always hold the same set of bindings.
type channelTable struct {
	byNumber map[proto.ChannelNumber]*ChannelBind
	byPeer   map[netip.AddrPort]*ChannelBind
}

func newChannelTable() *channelTable {
	return &channelTable{
		byNumber: make(map[proto.ChannelNumber]*ChannelBind),
		byPeer:   make(map[netip.AddrPort]*ChannelBind),
	}
}

func (t *channelTable) remove(c *ChannelBind) {
	delete(t.byNumber, c.Number)
	delete(t.byPeer, c.Peer)
}

// number returns the live binding for n, evicting it if it expired.
func (t *channelTable) number(n proto.ChannelNumber, now time.Time) *ChannelBind {
	c, ok := t.byNumber[n]
	if !ok {
		return nil
	}
	if c.expired(now) {
		t.remove(c)

		return nil
	}

	return c
}

// peer returns the live binding for peer, evicting it if it expired.
func (t *channelTable) peer(peer netip.AddrPort, now time.Time) *ChannelBind {
	c, ok := t.byPeer[peer]
	if !ok {
		return nil
	}
	if c.expired(now) {
		t.remove(c)

		return nil
	}

	return c
}

// bind installs or refreshes (n, peer). It fails if n is bound to another
// peer or peer to another number. created is false when the exact pair
// already existed.
func (t *channelTable) bind(n proto.ChannelNumber, peer netip.AddrPort, expiresAt time.Time, now time.Time) (c *ChannelBind, created bool, err error) {
	byNumber, byPeer := t.number(n, now), t.peer(peer, now)
	switch {
	case byNumber != byPeer && byNumber != nil:
		return nil, false, errSameChannelDifferentPeer
	case byNumber != byPeer:
		return nil, false, errSamePeerDifferentChannel
	case byNumber != nil:
		byNumber.expiresAt = expiresAt

		return byNumber, false, nil
	}

	c = &ChannelBind{Number: n, Peer: peer, expiresAt: expiresAt}
	t.byNumber[n] = c
	t.byPeer[peer] = c

	return c, true, nil
}

func (t *channelTable) len() int {
	return len(t.byNumber)
}
