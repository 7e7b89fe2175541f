// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"net/netip"

	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/proto"
)

// https://tools.ietf.org/html/rfc5389#section-7.3.1
// https://tools.ietf.org/html/rfc3489#section-8.1
func (d *Dispatcher) handleBindingRequest(req *request) Response {
	m, ft := req.msg, req.fiveTuple
	d.log.Debugf("Received BindingRequest from %s", ft.SrcAddr)

	res := proto.NewResponse(m, proto.ClassSuccessResponse)
	if m.HasMagicCookie() {
		res.XORMappedAddress = proto.Addr(ft.SrcAddr)
	} else {
		res.MappedAddress = proto.Addr(ft.SrcAddr)
	}

	change := m.ChangeRequest != nil && (m.ChangeRequest.ChangeIP || m.ChangeRequest.ChangePort)
	// Alternate listeners are datagram only, so a stream has no other
	// address to answer from.
	if d.legacy == nil || ft.Protocol != allocation.UDP {
		if change {
			res = errorResponse(m, proto.CodeUnknownAttribute)
			res.UnknownAttributes = []proto.AttrType{proto.AttrChangeRequest}
		}

		return d.finish(m, res, req.ctx.Key)
	}

	source := ft.DstAddr
	if change {
		source = d.legacy.alternate(ft.DstAddr, m.ChangeRequest.ChangeIP, m.ChangeRequest.ChangePort)
	}
	res.SourceAddress = proto.Addr(source)
	res.ChangedAddress = proto.Addr(d.legacy.alternate(ft.DstAddr, true, true))
	if m.ResponseAddress != nil {
		res.ReflectedFrom = proto.Addr(ft.SrcAddr)
	}

	out := d.finish(m, res, req.ctx.Key)
	if change {
		out.Disposition = DispositionRespondAlternate
		out.Source = source
	}
	if m.ResponseAddress != nil {
		out.Destination = *m.ResponseAddress
	}

	return out
}

// alternate returns local with its IP and or port swapped for the other
// listener's.
func (l *Legacy) alternate(local netip.AddrPort, changeIP, changePort bool) netip.AddrPort {
	ip, port := local.Addr(), local.Port()
	if changeIP {
		ip = l.AlternateAddr.Addr()
		if ip == local.Addr() {
			ip = l.PrimaryAddr.Addr()
		}
	}
	if changePort {
		port = l.AlternateAddr.Port()
		if port == local.Port() {
			port = l.PrimaryAddr.Port()
		}
	}

	return netip.AddrPortFrom(ip, port)
}

// https://tools.ietf.org/html/rfc3489#section-8.2
func (d *Dispatcher) handleSharedSecretRequest(req *request) Response {
	m := req.msg
	d.log.Debugf("Received SharedSecretRequest from %s", req.fiveTuple.SrcAddr)

	if !req.secure {
		return d.finish(m, errorResponse(m, proto.CodeUseTLS), nil)
	}
	secrets := d.auth.SharedSecrets()
	if secrets == nil {
		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	username, password, err := secrets.Issue()
	if err != nil {
		d.log.Errorf("Failed to issue shared secret: %v", err)

		return d.finish(m, errorResponse(m, proto.CodeServerError), nil)
	}

	res := proto.NewResponse(m, proto.ClassSuccessResponse)
	res.Username = proto.String(username)
	res.Password = proto.String(password)

	return d.finish(m, res, nil)
}
