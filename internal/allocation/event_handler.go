// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net/netip"
)

// EventHandler is a set of callbacks that the server will call at certain hook points during an
// allocation's lifecycle. All events are reported with the context that identifies the allocation
// triggering the event (source and destination address, protocol, username and realm used for
// authenticating the allocation), plus additional callback specific parameters. It is OK to handle
// only a subset of the callbacks.
//
// Callbacks run on the dispatch goroutine and must not block.
type EventHandler struct {
	// OnAuth is called after an authentication request has been processed with the TURN method
	// triggering the authentication request (either "Allocate", "Refresh" "CreatePermission",
	// or "ChannelBind"), and the verdict is the authentication result.
	OnAuth func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string, method string, verdict bool)
	// OnAllocationCreated is called after a new allocation has been made. The relayAddr
	// argument specifies the relay address and requestedPort is the port requested by the
	// client (if any).
	OnAllocationCreated func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string,
		relayAddr netip.AddrPort, requestedPort int)
	// OnAllocationDeleted is called after an allocation has been removed.
	OnAllocationDeleted func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string)
	// OnAllocationError is called when the relay socket of an allocation fails.
	OnAllocationError func(srcAddr, dstAddr netip.AddrPort, protocol, message string)
	// OnPermissionCreated is called after a new permission has been made to an IP address.
	OnPermissionCreated func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string,
		relayAddr netip.AddrPort, peer netip.Addr)
	// OnPermissionDeleted is called when an expired permission is evicted.
	OnPermissionDeleted func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string,
		relayAddr netip.AddrPort, peer netip.Addr)
	// OnChannelCreated is called after a new channel has been made. The relay address, the
	// peer address and the channel number can be used to uniquely identify the channel
	// created.
	OnChannelCreated func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string,
		relayAddr, peer netip.AddrPort, channelNumber uint16)
}
