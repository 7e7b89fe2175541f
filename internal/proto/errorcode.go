// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"fmt"

	"github.com/pion/stun/v2"
)

//  0                   1                   2                   3
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |           Reserved, should be 0         |Class|     Number    |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |      Reason Phrase (variable)                                ..
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

// Code is a numeric error code such as 401.
type Code int

// Error codes from RFC 3489, RFC 5389 and RFC 5766.
const (
	CodeTryAlternate          Code = 300
	CodeBadRequest            Code = 400
	CodeUnauthorized          Code = 401
	CodeForbidden             Code = 403
	CodeUnknownAttribute      Code = 420
	CodeStaleCredentials      Code = 430
	CodeIntegrityCheckFailure Code = 431
	CodeMissingUsername       Code = 432
	CodeUseTLS                Code = 433
	CodeUnknownUsername       Code = 436
	CodeAllocMismatch         Code = 437
	CodeStaleNonce            Code = 438
	CodeWrongCredentials      Code = 441
	CodeUnsupportedTransProto Code = 442
	CodeAllocQuotaReached     Code = 486
	CodeServerError           Code = 500
	CodeGlobalFailure         Code = 600
	CodeInsufficientCapacity  Code = 508
)

var codeReasons = map[Code]string{
	CodeTryAlternate:          "Try Alternate",
	CodeBadRequest:            "Bad Request",
	CodeUnauthorized:          "Unauthorized",
	CodeForbidden:             "Forbidden",
	CodeUnknownAttribute:      "Unknown Attribute",
	CodeStaleCredentials:      "Stale Credentials",
	CodeIntegrityCheckFailure: "Integrity Check Failure",
	CodeMissingUsername:       "Missing Username",
	CodeUseTLS:                "Use TLS",
	CodeUnknownUsername:       "Unknown Username",
	CodeAllocMismatch:         "Allocation Mismatch",
	CodeStaleNonce:            "Stale Nonce",
	CodeWrongCredentials:      "Wrong Credentials",
	CodeUnsupportedTransProto: "Unsupported Transport Protocol",
	CodeAllocQuotaReached:     "Allocation Quota Reached",
	CodeServerError:           "Server Error",
	CodeGlobalFailure:         "Global Failure",
	CodeInsufficientCapacity:  "Insufficient Capacity",
}

// Reason returns the default reason phrase for the code.
func (c Code) Reason() string {
	if s, ok := codeReasons[c]; ok {
		return s
	}

	return "Unknown Error"
}

const (
	errorCodeHeaderSize  = 4
	errorCodeNumberStart = 3
	errorCodeMaxNumber   = 99
)

// ErrorCode is the ERROR-CODE attribute.
type ErrorCode struct {
	Code   Code
	Reason string
}

// NewErrorCode returns an ErrorCode with the default reason phrase.
func NewErrorCode(code Code) *ErrorCode {
	return &ErrorCode{Code: code, Reason: code.Reason()}
}

func (e *ErrorCode) String() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

func (e *ErrorCode) equal(b *ErrorCode) bool {
	if e == nil || b == nil {
		return e == b
	}

	return *e == *b
}

// AddTo adds ERROR-CODE to m. Only classes 3 to 6 are valid.
func (e ErrorCode) AddTo(m *stun.Message) error {
	if class := e.Code / 100; class < 3 || class > 6 {
		return fmt.Errorf("%w: class %d", errInvalidErrorCode, class)
	}
	a := stun.ErrorCodeAttribute{Code: stun.ErrorCode(e.Code), Reason: []byte(e.Reason)}
	if err := a.AddTo(m); err != nil {
		return fmt.Errorf("%w: %v", errInvalidErrorCode, err)
	}

	return nil
}

// GetFrom decodes ERROR-CODE from m.
func (e *ErrorCode) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) >= errorCodeHeaderSize && v[errorCodeNumberStart] > errorCodeMaxNumber {
		return fmt.Errorf("%w: number %d", errInvalidErrorCode, v[errorCodeNumberStart])
	}
	var a stun.ErrorCodeAttribute
	if err = a.GetFrom(m); err != nil {
		return err
	}
	e.Code = Code(a.Code)
	e.Reason = string(a.Reason)

	return nil
}
