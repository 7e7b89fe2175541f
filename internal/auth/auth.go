// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package auth provides internal authentication / authorization
// types and utilities for the TURN server.
package auth

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
)

// Mode selects how requests are authenticated.
type Mode int

// Authentication modes.
const (
	// ModeNone accepts every request without credentials.
	ModeNone Mode = iota
	// ModeShortTerm requires MESSAGE-INTEGRITY keyed with the user's password.
	ModeShortTerm
	// ModeLongTerm requires MESSAGE-INTEGRITY keyed with MD5(username:realm:password)
	// plus realm and nonce.
	ModeLongTerm
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeShortTerm:
		return "short-term"
	case ModeLongTerm:
		return "long-term"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// RequestAttributes represents attributes of a TURN request which
// may be useful for authorizing the underlying request.
type RequestAttributes struct {
	Username string
	// Realm is empty in short-term mode.
	Realm   string
	SrcAddr netip.AddrPort
}

// AuthHandler is a callback used to look up the integrity key of a user.
// In long-term mode the key is MD5(username:realm:password), in short-term
// mode it is the password itself.
type AuthHandler func(ra *RequestAttributes) (key []byte, ok bool)

// Config configures an Authenticator.
type Config struct {
	Mode  Mode
	Realm string
	// AuthHandler resolves configured users. It may be nil when only
	// credentials issued through SharedSecrets are accepted.
	AuthHandler AuthHandler
	// SharedSecrets, when set, also accepts the credentials it issued.
	SharedSecrets *SharedSecrets
	// NonceLifetime defaults to DefaultNonceLifetime.
	NonceLifetime time.Duration
	Clock         clock.Clock
	LeveledLogger logging.LeveledLogger
}

// Context is the outcome of a successful authentication.
type Context struct {
	Username string
	Realm    string
	// Key signs the response. It is nil when the request was not
	// authenticated.
	Key []byte
}

// Challenge is the error returned when a request must be rejected. It
// carries the error code and, for long-term mode, the realm and a fresh
// nonce for the client to retry with.
type Challenge struct {
	Code  proto.Code
	Realm string
	Nonce string
}

func (c *Challenge) Error() string {
	return fmt.Sprintf("authentication failed: %d %s", c.Code, c.Code.Reason())
}

// Apply writes the challenge attributes into an error response.
func (c *Challenge) Apply(res *proto.Message) {
	res.ErrorCode = proto.NewErrorCode(c.Code)
	if c.Realm != "" {
		res.Realm = proto.String(c.Realm)
	}
	if c.Nonce != "" {
		res.Nonce = proto.String(c.Nonce)
	}
}

// Authenticator validates request credentials and issues nonces.
type Authenticator struct {
	mode    Mode
	realm   string
	handler AuthHandler
	secrets *SharedSecrets
	nonces  *NonceHash
	log     logging.LeveledLogger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if config.LeveledLogger == nil {
		return nil, errLeveledLoggerMustBeSet
	}
	if config.Mode == ModeLongTerm && config.Realm == "" {
		return nil, errRealmMustBeSet
	}

	nonces, err := NewNonceHash(config.NonceLifetime, config.Clock)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		mode:    config.Mode,
		realm:   config.Realm,
		handler: config.AuthHandler,
		secrets: config.SharedSecrets,
		nonces:  nonces,
		log:     config.LeveledLogger,
	}, nil
}

// Mode returns the configured mode.
func (a *Authenticator) Mode() Mode {
	return a.mode
}

// Realm returns the configured realm.
func (a *Authenticator) Realm() string {
	return a.realm
}

// Nonces returns the nonce issuer.
func (a *Authenticator) Nonces() *NonceHash {
	return a.nonces
}

// SharedSecrets returns the shared-secret issuer, or nil.
func (a *Authenticator) SharedSecrets() *SharedSecrets {
	return a.secrets
}

// Challenge builds a rejection with code. In long-term mode it carries the
// realm and a fresh nonce.
func (a *Authenticator) Challenge(code proto.Code) *Challenge {
	c := &Challenge{Code: code}
	if a.mode == ModeLongTerm {
		c.Realm = a.realm
		c.Nonce = a.nonces.Generate()
	}

	return c
}

func (a *Authenticator) lookup(username, realm string, src netip.AddrPort) ([]byte, bool) {
	if a.handler != nil {
		if key, ok := a.handler(&RequestAttributes{Username: username, Realm: realm, SrcAddr: src}); ok {
			return key, true
		}
	}
	if a.secrets == nil || (a.mode == ModeLongTerm && realm != a.realm) {
		return nil, false
	}
	password, ok := a.secrets.Password(username)
	if !ok {
		return nil, false
	}
	if a.mode == ModeLongTerm {
		return proto.LongTermKey(username, realm, password), true
	}

	return proto.ShortTermKey(password), true
}

// Authenticate checks the credentials of m, received from src. Indications
// and Shared Secret requests are never authenticated. A rejection is
// returned as a *Challenge.
func (a *Authenticator) Authenticate(m *proto.Message, src netip.AddrPort) (*Context, error) {
	if a.mode == ModeNone || m.Class == proto.ClassIndication || m.Method == proto.MethodSharedSecret {
		return &Context{}, nil
	}

	if !m.HasIntegrity() {
		if a.mode == ModeLongTerm {
			return nil, a.Challenge(proto.CodeUnauthorized)
		}

		return nil, &Challenge{Code: proto.CodeBadRequest}
	}
	if m.Username == nil {
		a.log.Debugf("%v from %s has integrity but no username", m, src)

		return nil, &Challenge{Code: proto.CodeBadRequest}
	}
	username := *m.Username

	var realm string
	if a.mode == ModeLongTerm {
		if m.Realm == nil || m.Nonce == nil {
			return nil, &Challenge{Code: proto.CodeBadRequest}
		}
		switch a.nonces.Validate(*m.Nonce) {
		case NonceStale:
			a.log.Debugf("Stale nonce from %s", src)

			return nil, a.Challenge(proto.CodeStaleNonce)
		case NonceInvalid:
			a.log.Debugf("Invalid nonce from %s", src)

			return nil, &Challenge{Code: proto.CodeBadRequest}
		case NonceValid:
		}
		realm = *m.Realm
	}

	key, ok := a.lookup(username, realm, src)
	if !ok {
		a.log.Debugf("No such user %q in realm %q from %s", username, realm, src)

		return nil, a.Challenge(proto.CodeUnauthorized)
	}
	if err := m.CheckIntegrity(key); err != nil {
		a.log.Debugf("Integrity check for %q from %s failed: %v", username, src, err)

		return nil, a.Challenge(proto.CodeUnauthorized)
	}

	return &Context{Username: username, Realm: realm, Key: key}, nil
}
