// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"time"

	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/proto"
)

func errorResponse(req *proto.Message, code proto.Code) *proto.Message {
	res := proto.NewResponse(req, proto.ClassErrorResponse)
	res.ErrorCode = proto.NewErrorCode(code)

	return res
}

// lifetime clamps the requested LIFETIME to [default, max]. A missing
// attribute means the default.
func (d *Dispatcher) lifetime(m *proto.Message) time.Duration {
	if m.Lifetime == nil {
		return d.defaultLifetime
	}

	requested := time.Duration(*m.Lifetime) * time.Second
	switch {
	case requested < d.defaultLifetime:
		return d.defaultLifetime
	case requested > d.maxLifetime:
		return d.maxLifetime
	}

	return requested
}

func lifetimeSeconds(d time.Duration) *uint32 {
	return proto.Uint32(uint32(d / time.Second))
}

// allocationErrorCode maps CreateAllocation failures to response codes.
func allocationErrorCode(err error) proto.Code {
	switch {
	case errors.Is(err, allocation.ErrDupeFiveTuple):
		return proto.CodeAllocMismatch
	case errors.Is(err, allocation.ErrQuotaReached):
		return proto.CodeAllocQuotaReached
	case errors.Is(err, allocation.ErrInsufficientCapacity):
		return proto.CodeInsufficientCapacity
	default:
		return proto.CodeServerError
	}
}
