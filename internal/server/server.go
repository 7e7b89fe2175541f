// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package server implements the request dispatcher of the TURN server. It
// turns decoded messages into state changes and responses and owns no
// sockets: the caller hands in messages with the 5-tuple they arrived on and
// delivers whatever Response comes back.
package server

import (
	"errors"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/auth"
	"github.com/pion/returnd/internal/proto"
)

const (
	// DefaultLifetime is the allocation lifetime when none is requested.
	// See: https://tools.ietf.org/html/rfc5766#section-2.2
	DefaultLifetime = 10 * time.Minute
	// MaxLifetime caps requested allocation lifetimes.
	// See: https://tools.ietf.org/html/rfc5766#section-6.2 defines 3600 seconds recommendation.
	MaxLifetime = time.Hour
	// DefaultBandwidth in kbit/s is announced when the client asks for none.
	DefaultBandwidth uint32 = 100
)

// Legacy enables RFC 3489 NAT classification: Binding responses carry
// CHANGED-ADDRESS and CHANGE-REQUEST is answered from the alternate address.
type Legacy struct {
	// PrimaryAddr is the IP and port of the main listener.
	PrimaryAddr netip.AddrPort
	// AlternateAddr is the other IP and port. Listeners exist for all four
	// combinations of the two IPs and two ports.
	AlternateAddr netip.AddrPort
}

// Config configures a Dispatcher.
type Config struct {
	Allocations   *allocation.Manager
	Authenticator *auth.Authenticator
	// Software is sent in every response when set.
	Software string
	// DefaultLifetime defaults to DefaultLifetime.
	DefaultLifetime time.Duration
	// MaxLifetime defaults to MaxLifetime.
	MaxLifetime time.Duration
	// Bandwidth defaults to DefaultBandwidth.
	Bandwidth uint32
	// Legacy is nil unless NAT classification is offered.
	Legacy *Legacy
	// OnAuth reports every authentication verdict.
	OnAuth func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string, method string, verdict bool)

	LeveledLogger logging.LeveledLogger
}

// Disposition says how a Response is delivered.
type Disposition int

// Response dispositions.
const (
	// DispositionNone means nothing is sent.
	DispositionNone Disposition = iota
	// DispositionRespond sends the message from the transport the request
	// arrived on.
	DispositionRespond
	// DispositionRespondAlternate sends the message from Source, one of
	// the legacy alternate listeners.
	DispositionRespondAlternate
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case DispositionRespond:
		return "respond"
	case DispositionRespondAlternate:
		return "respond-alternate"
	default:
		return "unknown"
	}
}

// Response is the outcome of handling one message.
type Response struct {
	Disposition Disposition
	Message     *proto.Message
	// Source is the local address to answer from with
	// DispositionRespondAlternate.
	Source netip.AddrPort
	// Destination overrides the request's source address when valid. It
	// is set for legacy requests carrying RESPONSE-ADDRESS.
	Destination netip.AddrPort
}

var noResponse = Response{} //nolint:gochecknoglobals

// Dispatcher routes messages to their method handlers. It is not safe for
// concurrent use; every call must come from the goroutine that owns the
// allocation table.
type Dispatcher struct {
	allocations     *allocation.Manager
	auth            *auth.Authenticator
	software        string
	defaultLifetime time.Duration
	maxLifetime     time.Duration
	bandwidth       uint32
	legacy          *Legacy
	onAuth          func(srcAddr, dstAddr netip.AddrPort, protocol, username, realm string, method string, verdict bool)
	log             logging.LeveledLogger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config Config) (*Dispatcher, error) {
	switch {
	case config.LeveledLogger == nil:
		return nil, errLeveledLoggerMustBeSet
	case config.Allocations == nil:
		return nil, errAllocationManagerMustBeSet
	case config.Authenticator == nil:
		return nil, errAuthenticatorMustBeSet
	}

	d := &Dispatcher{
		allocations:     config.Allocations,
		auth:            config.Authenticator,
		software:        config.Software,
		defaultLifetime: config.DefaultLifetime,
		maxLifetime:     config.MaxLifetime,
		bandwidth:       config.Bandwidth,
		legacy:          config.Legacy,
		onAuth:          config.OnAuth,
		log:             config.LeveledLogger,
	}
	if d.defaultLifetime == 0 {
		d.defaultLifetime = DefaultLifetime
	}
	if d.maxLifetime == 0 {
		d.maxLifetime = MaxLifetime
	}
	if d.maxLifetime < d.defaultLifetime {
		return nil, errInvalidLifetimeRange
	}
	if d.bandwidth == 0 {
		d.bandwidth = DefaultBandwidth
	}

	return d, nil
}

// request is the state shared by the handlers of one message.
type request struct {
	msg       *proto.Message
	fiveTuple allocation.FiveTuple
	secure    bool
	ctx       *auth.Context
}

// HandleMessage processes a decoded message received on fiveTuple. secure
// is set for TLS transports.
func (d *Dispatcher) HandleMessage(m *proto.Message, fiveTuple allocation.FiveTuple, secure bool) Response {
	if err := m.CheckFingerprint(); err != nil {
		d.log.Debugf("Dropping %v from %v: %v", m, fiveTuple, err)

		return noResponse
	}

	switch m.Class {
	case proto.ClassIndication:
		d.handleIndication(m, fiveTuple)

		return noResponse
	case proto.ClassRequest:
	default:
		d.log.Debugf("Ignoring %v from %v", m, fiveTuple)

		return noResponse
	}

	handler, ok := d.requestHandler(m.Method)
	if !ok {
		d.log.Debugf("Unexpected method %v from %v", m.Method, fiveTuple)

		return d.finish(m, errorResponse(m, proto.CodeBadRequest), nil)
	}

	req := &request{msg: m, fiveTuple: fiveTuple, secure: secure}
	if d.needsAuthentication(m) {
		ctx, err := d.auth.Authenticate(m, fiveTuple.SrcAddr)
		d.reportAuth(req, ctx, err)
		if err != nil {
			res := proto.NewResponse(m, proto.ClassErrorResponse)
			var challenge *auth.Challenge
			if errors.As(err, &challenge) {
				challenge.Apply(res)
			} else {
				d.log.Warnf("Failed to authenticate %v from %v: %v", m, fiveTuple, err)
				res.ErrorCode = proto.NewErrorCode(proto.CodeServerError)
			}

			return d.finish(m, res, nil)
		}
		req.ctx = ctx
	} else {
		req.ctx = &auth.Context{}
	}

	return handler(req)
}

// HandleDecodeError answers a request that failed to decode only because of
// unknown comprehension-required attributes. Every other decode failure is
// dropped.
func (d *Dispatcher) HandleDecodeError(err error, fiveTuple allocation.FiveTuple) Response {
	var unknown *proto.UnknownAttributesError
	if !errors.As(err, &unknown) || unknown.Message == nil || unknown.Message.Class != proto.ClassRequest {
		d.log.Debugf("Dropping malformed message from %v: %v", fiveTuple, err)

		return noResponse
	}

	res := errorResponse(unknown.Message, proto.CodeUnknownAttribute)
	res.UnknownAttributes = unknown.Types

	return d.finish(unknown.Message, res, nil)
}

// HandleChannelData relays channel data received from the client on
// fiveTuple to the bound peer.
func (d *Dispatcher) HandleChannelData(c *proto.ChannelData, fiveTuple allocation.FiveTuple) {
	a := d.allocations.GetAllocation(fiveTuple)
	if a == nil {
		d.log.Debugf("No allocation for channel data from %v", fiveTuple)

		return
	}
	if err := a.SendChannelData(c.Number, c.Data); err != nil {
		d.log.Debugf("Dropping channel data from %v: %v", fiveTuple, err)
	}
}

// HandlePeerData relays a datagram that peer sent to relayPort back to the
// client owning that relay.
func (d *Dispatcher) HandlePeerData(relayPort uint16, peer netip.AddrPort, data []byte) {
	a := d.allocations.GetAllocationForRelayPort(relayPort)
	if a == nil {
		d.log.Debugf("No allocation for relay port %d", relayPort)

		return
	}
	if err := a.SendToClient(peer, data); err != nil {
		d.log.Debugf("Dropping data from %s on relay port %d: %v", peer, relayPort, err)
	}
}

// TransportClosed removes the allocation of a stream transport that went
// away.
func (d *Dispatcher) TransportClosed(fiveTuple allocation.FiveTuple) {
	d.allocations.TransportClosed(fiveTuple)
}

func (d *Dispatcher) requestHandler(method proto.Method) (func(*request) Response, bool) {
	switch method {
	case proto.MethodBinding:
		return d.handleBindingRequest, true
	case proto.MethodSharedSecret:
		return d.handleSharedSecretRequest, true
	case proto.MethodAllocate:
		return d.handleAllocateRequest, true
	case proto.MethodRefresh:
		return d.handleRefreshRequest, true
	case proto.MethodCreatePermission:
		return d.handleCreatePermissionRequest, true
	case proto.MethodChannelBind:
		return d.handleChannelBindRequest, true
	default:
		return nil, false
	}
}

func (d *Dispatcher) handleIndication(m *proto.Message, fiveTuple allocation.FiveTuple) {
	switch m.Method {
	case proto.MethodSend:
		d.handleSendIndication(m, fiveTuple)
	case proto.MethodChannelConfirmation:
		d.handleChannelConfirmation(m, fiveTuple)
	default:
		d.log.Debugf("Unexpected indication %v from %v", m.Method, fiveTuple)
	}
}

// needsAuthentication reports whether the request goes through the
// Authenticator. Binding requests are only checked when they carry
// MESSAGE-INTEGRITY, so plain STUN keeps working with credentials enabled.
func (d *Dispatcher) needsAuthentication(m *proto.Message) bool {
	switch m.Method {
	case proto.MethodSharedSecret:
		return false
	case proto.MethodBinding:
		return m.HasIntegrity()
	default:
		return true
	}
}

func (d *Dispatcher) reportAuth(req *request, ctx *auth.Context, err error) {
	if d.onAuth == nil || d.auth.Mode() == auth.ModeNone {
		return
	}

	var username, realm string
	if ctx != nil {
		username, realm = ctx.Username, ctx.Realm
	} else if req.msg.Username != nil {
		username = *req.msg.Username
		if req.msg.Realm != nil {
			realm = *req.msg.Realm
		}
	}
	ft := req.fiveTuple
	d.onAuth(ft.SrcAddr, ft.DstAddr, ft.Protocol.String(), username, realm, req.msg.Method.String(), err == nil)
}

// finish applies the response policy: SOFTWARE when configured, FINGERPRINT
// when the request had one, and MESSAGE-INTEGRITY only on success.
func (d *Dispatcher) finish(req *proto.Message, res *proto.Message, key []byte) Response {
	if d.software != "" {
		res.Software = proto.String(d.software)
	}
	res.AddFingerprint = req.Fingerprint != nil
	res.IntegrityKey = nil
	if res.Class == proto.ClassSuccessResponse && len(key) > 0 {
		res.IntegrityKey = key
	}

	return Response{Disposition: DispositionRespond, Message: res}
}
