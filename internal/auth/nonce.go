// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/returnd/internal/clock"
)

const (
	// DefaultNonceLifetime is how long a nonce is accepted after it was issued.
	// See: https://tools.ietf.org/html/rfc5766#section-4
	DefaultNonceLifetime = time.Hour

	nonceKeyLength = 64
)

// NonceStatus is the verdict of NonceHash.Validate.
type NonceStatus int

// Nonce verdicts.
const (
	NonceValid NonceStatus = iota
	NonceStale
	NonceInvalid
)

func (s NonceStatus) String() string {
	switch s {
	case NonceValid:
		return "valid"
	case NonceStale:
		return "stale"
	default:
		return "invalid"
	}
}

// NonceHash is used to create and verify nonces. A nonce is the issue time in
// seconds, a colon and the hex HMAC of both under a process secret, so nothing
// needs to be stored to validate one.
type NonceHash struct {
	key      []byte
	lifetime time.Duration
	clock    clock.Clock
}

// NewNonceHash creates a NonceHash with a random key.
func NewNonceHash(lifetime time.Duration, c clock.Clock) (*NonceHash, error) {
	key := make([]byte, nonceKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToGenerateNonceKey, err)
	}

	return newNonceHash(key, lifetime, c), nil
}

func newNonceHash(key []byte, lifetime time.Duration, c clock.Clock) *NonceHash {
	if lifetime == 0 {
		lifetime = DefaultNonceLifetime
	}
	if c == nil {
		c = clock.Real{}
	}

	return &NonceHash{key: key, lifetime: lifetime, clock: c}
}

func (n *NonceHash) sign(timestamp string) string {
	mac := hmac.New(sha1.New, n.key)
	mac.Write([]byte(timestamp + ":")) //nolint:errcheck,gosec

	return hex.EncodeToString(mac.Sum(nil))
}

// Generate a nonce for the current time.
func (n *NonceHash) Generate() string {
	ts := strconv.FormatInt(n.clock.Now().Unix(), 10)

	return ts + ":" + n.sign(ts)
}

// Validate checks that nonce was signed with our key and is no older than the
// nonce lifetime.
func (n *NonceHash) Validate(nonce string) NonceStatus {
	ts, sig, ok := strings.Cut(nonce, ":")
	if !ok {
		return NonceInvalid
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || issued < 0 {
		return NonceInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(n.sign(ts))) {
		return NonceInvalid
	}

	// Issue times are whole seconds, so the age is too.
	age := n.clock.Now().Unix() - issued
	switch {
	case age < 0:
		return NonceInvalid
	case age > int64(n.lifetime/time.Second):
		return NonceStale
	}

	return NonceValid
}
