// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun/v2"
)

var (
	errNoResponse     = errors.New("stunprobe: no response")
	errNoChallenge    = errors.New("stunprobe: server did not challenge the request")
	errLifetimeLength = errors.New("stunprobe: malformed LIFETIME")
)

// udpTransport asks the server for a UDP relay.
var udpTransport = stun.RawAttribute{Type: stun.AttrRequestedTransport, Value: []byte{17, 0, 0, 0}} //nolint:gochecknoglobals

// errorResponse is returned for error responses.
type errorResponse struct {
	Code   stun.ErrorCode
	Reason string
}

func (e *errorResponse) Error() string {
	return fmt.Sprintf("stunprobe: error response %d %s", e.Code, e.Reason)
}

// roundTrip sends m and returns a copy of the response.
func roundTrip(c *stun.Client, m *stun.Message) (*stun.Message, error) {
	var (
		res    *stun.Message
		resErr error
	)
	if err := c.Do(m, func(e stun.Event) {
		if e.Error != nil {
			resErr = e.Error

			return
		}
		res = new(stun.Message)
		resErr = e.Message.CloneTo(res)
	}); err != nil {
		return nil, err
	}
	if resErr != nil {
		return nil, resErr
	}
	if res == nil {
		return nil, errNoResponse
	}

	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err != nil {
			return res, err
		}

		return res, &errorResponse{Code: code.Code, Reason: string(code.Reason)}
	}

	return res, nil
}

// binding returns the reflexive address the server saw.
func binding(c *stun.Client) (stun.XORMappedAddress, error) {
	var addr stun.XORMappedAddress

	m, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return addr, err
	}
	res, err := roundTrip(c, m)
	if err != nil {
		return addr, err
	}
	if err = stun.Fingerprint.Check(res); err != nil {
		return addr, err
	}

	return addr, addr.GetFrom(res)
}

type allocation struct {
	Relayed  stun.XORMappedAddress
	Lifetime time.Duration
}

// allocate performs the long-term credential handshake and requests a UDP
// relay.
func allocate(c *stun.Client, username, password string) (*allocation, error) {
	allocateRequest := stun.NewType(stun.MethodAllocate, stun.ClassRequest)

	m, err := stun.Build(stun.TransactionID, allocateRequest, udpTransport, stun.Fingerprint)
	if err != nil {
		return nil, err
	}
	res, err := roundTrip(c, m)
	var challenge *errorResponse
	if !errors.As(err, &challenge) || challenge.Code != stun.CodeUnauthorized {
		if err == nil {
			err = errNoChallenge
		}

		return nil, err
	}

	var (
		realm stun.Realm
		nonce stun.Nonce
	)
	if err = realm.GetFrom(res); err != nil {
		return nil, err
	}
	if err = nonce.GetFrom(res); err != nil {
		return nil, err
	}

	integrity := stun.NewLongTermIntegrity(username, realm.String(), password)
	m, err = stun.Build(stun.TransactionID, allocateRequest, udpTransport,
		stun.NewUsername(username), realm, nonce, integrity, stun.Fingerprint)
	if err != nil {
		return nil, err
	}
	if res, err = roundTrip(c, m); err != nil {
		return nil, err
	}
	if err = integrity.Check(res); err != nil {
		return nil, err
	}

	a := &allocation{}
	if err = a.Relayed.GetFromAs(res, stun.AttrXORRelayedAddress); err != nil {
		return nil, err
	}
	lifetime, err := res.Get(stun.AttrLifetime)
	if err != nil {
		return nil, err
	}
	if len(lifetime) != 4 {
		return nil, errLifetimeLength
	}
	a.Lifetime = time.Duration(binary.BigEndian.Uint32(lifetime)) * time.Second

	return a, nil
}
