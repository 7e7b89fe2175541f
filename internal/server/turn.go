// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/proto"
)

// https://tools.ietf.org/html/rfc5766#section-6.2
func (d *Dispatcher) handleAllocateRequest(req *request) Response { //nolint:cyclop
	m, ft := req.msg, req.fiveTuple
	d.log.Debugf("Received AllocateRequest from %s", ft.SrcAddr)

	// 2. The server checks if the 5-tuple is currently in use by an
	//    existing allocation.  If yes, the server rejects the request with
	//    a 437 (Allocation Mismatch) error.
	if a := d.allocations.GetAllocation(ft); a != nil {
		if cached, ok := a.Response(m.TransactionID); ok {
			d.log.Debugf("Answering retransmitted AllocateRequest from %s", ft.SrcAddr)

			return d.finish(m, cached, a.Key())
		}

		return d.finish(m, errorResponse(m, proto.CodeAllocMismatch), nil)
	}

	// 3. The server checks if the request contains a REQUESTED-TRANSPORT
	//    attribute.  Only UDP relaying is offered; a request without the
	//    attribute asks for UDP.
	if m.RequestedTransport != nil && *m.RequestedTransport != proto.ProtoUDP {
		return d.finish(m, errorResponse(m, proto.CodeUnsupportedTransProto), nil)
	}

	// 4. The request may contain a DONT-FRAGMENT attribute.  If it does,
	//    but the server does not support sending UDP datagrams with the DF
	//    bit set to 1 (see Section 12), then the server treats the DONT-
	//    FRAGMENT attribute in the Allocate request as an unknown
	//    comprehension-required attribute.
	if m.DontFragment {
		res := errorResponse(m, proto.CodeUnknownAttribute)
		res.UnknownAttributes = []proto.AttrType{proto.AttrDontFragment}

		return d.finish(m, res, nil)
	}

	// 5.  The server checks if the request contains a RESERVATION-TOKEN
	//     attribute.  If yes, and the request also contains an EVEN-PORT
	//     attribute, then the server rejects the request with a 400 (Bad
	//     Request) error.
	if m.ReservationToken != nil && m.PortProps != nil {
		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	lifetime := d.lifetime(m)
	a, err := d.allocations.CreateAllocation(allocation.CreateParams{
		FiveTuple:        ft,
		Username:         req.ctx.Username,
		Realm:            req.ctx.Realm,
		Key:              req.ctx.Key,
		Lifetime:         lifetime,
		PortProps:        m.PortProps,
		ReservationToken: m.ReservationToken,
	})
	if err != nil {
		code := allocationErrorCode(err)
		if code == proto.CodeServerError {
			d.log.Errorf("Failed to create allocation for %v: %v", ft, err)
		} else {
			d.log.Debugf("Rejecting allocation for %v: %v", ft, err)
		}

		return d.finish(m, errorResponse(m, code), nil)
	}

	// The success response contains:
	//   * An XOR-RELAYED-ADDRESS attribute containing the relayed transport
	//     address.
	//   * A LIFETIME attribute containing the current value of the time-to-
	//     expiry timer.
	//   * A RESERVATION-TOKEN attribute (if a second relayed transport
	//     address was reserved).
	//   * An XOR-MAPPED-ADDRESS attribute containing the client's IP address
	//     and port (from the 5-tuple).
	res := proto.NewResponse(m, proto.ClassSuccessResponse)
	res.RelayedAddress = proto.Addr(a.RelayAddr())
	res.Lifetime = lifetimeSeconds(lifetime)
	res.Bandwidth = proto.Uint32(d.bandwidth)
	if m.Bandwidth != nil && *m.Bandwidth < d.bandwidth {
		res.Bandwidth = proto.Uint32(*m.Bandwidth)
	}
	if m.HasMagicCookie() {
		res.XORMappedAddress = proto.Addr(ft.SrcAddr)
	} else {
		res.MappedAddress = proto.Addr(ft.SrcAddr)
	}
	res.ReservationToken = a.ReservationToken()

	out := d.finish(m, res, a.Key())
	a.SetResponse(m.TransactionID, res)

	return out
}

// allocationFor returns the allocation of req's 5-tuple if the request was
// authenticated as its owner. Otherwise it returns the error response.
func (d *Dispatcher) allocationFor(req *request) (*allocation.Allocation, *Response) {
	m := req.msg
	a := d.allocations.GetAllocation(req.fiveTuple)
	if a == nil {
		res := d.finish(m, errorResponse(m, proto.CodeAllocMismatch), nil)

		return nil, &res
	}
	if a.Username() != req.ctx.Username || a.Realm() != req.ctx.Realm {
		d.log.Debugf("%v from %v uses %q, allocation belongs to %q", m.Method, req.fiveTuple,
			req.ctx.Username, a.Username())
		res := d.finish(m, errorResponse(m, proto.CodeWrongCredentials), nil)

		return nil, &res
	}

	return a, nil
}

// https://tools.ietf.org/html/rfc5766#section-7.2
func (d *Dispatcher) handleRefreshRequest(req *request) Response {
	m := req.msg
	d.log.Debugf("Received RefreshRequest from %s", req.fiveTuple.SrcAddr)

	a, errRes := d.allocationFor(req)
	if errRes != nil {
		return *errRes
	}
	key := a.Key()

	res := proto.NewResponse(m, proto.ClassSuccessResponse)
	if m.Lifetime != nil && *m.Lifetime == 0 {
		d.allocations.DeleteAllocation(req.fiveTuple)
		res.Lifetime = proto.Uint32(0)

		return d.finish(m, res, key)
	}

	lifetime := d.lifetime(m)
	a.Refresh(lifetime)
	res.Lifetime = lifetimeSeconds(lifetime)

	return d.finish(m, res, key)
}

// https://tools.ietf.org/html/rfc5766#section-9.2
func (d *Dispatcher) handleCreatePermissionRequest(req *request) Response {
	m := req.msg
	d.log.Debugf("Received CreatePermission from %s", req.fiveTuple.SrcAddr)

	a, errRes := d.allocationFor(req)
	if errRes != nil {
		return *errRes
	}
	if len(m.PeerAddresses) == 0 {
		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	for _, peer := range m.PeerAddresses {
		d.log.Debugf("Adding permission for %s", peer)
		a.RefreshPermission(peer.Addr())
	}

	return d.finish(m, proto.NewResponse(m, proto.ClassSuccessResponse), a.Key())
}

// https://tools.ietf.org/html/rfc5766#section-11.2
func (d *Dispatcher) handleChannelBindRequest(req *request) Response {
	m := req.msg
	d.log.Debugf("Received ChannelBindRequest from %s", req.fiveTuple.SrcAddr)

	a, errRes := d.allocationFor(req)
	if errRes != nil {
		return *errRes
	}

	peer, ok := m.PeerAddress()
	if !ok || m.ChannelNumber == nil {
		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	if err := a.BindChannel(peer, *m.ChannelNumber); err != nil {
		d.log.Debugf("Failed to bind channel %d to %s: %v", *m.ChannelNumber, peer, err)

		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	return d.finish(m, proto.NewResponse(m, proto.ClassSuccessResponse), a.Key())
}

// https://tools.ietf.org/html/rfc5766#section-10.2
func (d *Dispatcher) handleSendIndication(m *proto.Message, ft allocation.FiveTuple) {
	d.log.Tracef("Received SendIndication from %s", ft.SrcAddr)

	a := d.allocations.GetAllocation(ft)
	if a == nil {
		d.log.Debugf("No allocation for SendIndication from %v", ft)

		return
	}
	peer, ok := m.PeerAddress()
	if !ok {
		d.log.Debugf("SendIndication from %v has no peer address", ft)

		return
	}

	if len(m.Data) == 0 {
		a.RefreshPermission(peer.Addr())

		return
	}
	if err := a.SendToPeer(peer, m.Data); err != nil {
		d.log.Debugf("Failed to relay to %s: %v", peer, err)
	}
}

// handleChannelConfirmation records the client's acknowledgement of a
// channel number the server assigned for data toward it.
func (d *Dispatcher) handleChannelConfirmation(m *proto.Message, ft allocation.FiveTuple) {
	a := d.allocations.GetAllocation(ft)
	if a == nil {
		d.log.Debugf("No allocation for ChannelConfirmation from %v", ft)

		return
	}
	peer, ok := m.PeerAddress()
	if !ok || m.ChannelNumber == nil {
		d.log.Debugf("Incomplete ChannelConfirmation from %v", ft)

		return
	}
	if !a.ConfirmChannel(peer, *m.ChannelNumber) {
		d.log.Debugf("ChannelConfirmation from %v for unknown channel %d", ft, *m.ChannelNumber)
	}
}
