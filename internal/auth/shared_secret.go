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

	"github.com/pion/randutil"
	"github.com/pion/returnd/internal/clock"
)

const (
	// DefaultSharedSecretLifetime is how long credentials issued by a
	// Shared Secret request stay usable.
	// See: https://tools.ietf.org/html/rfc3489#section-9.2
	DefaultSharedSecretLifetime = 30 * time.Minute

	sharedSecretKeyLength = 32
	usernameNonceLength   = 16
	usernameRunes         = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// SharedSecrets issues short-lived username and password pairs in answer to
// Shared Secret requests. The password is an HMAC of the username, which in
// turn carries its own expiry, so issued pairs are never stored.
type SharedSecrets struct {
	key      []byte
	lifetime time.Duration
	clock    clock.Clock
}

// NewSharedSecrets creates a SharedSecrets issuer with a random key.
func NewSharedSecrets(lifetime time.Duration, c clock.Clock) (*SharedSecrets, error) {
	key := make([]byte, sharedSecretKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToGenerateSecret, err)
	}
	if lifetime == 0 {
		lifetime = DefaultSharedSecretLifetime
	}
	if c == nil {
		c = clock.Real{}
	}

	return &SharedSecrets{key: key, lifetime: lifetime, clock: c}, nil
}

func (s *SharedSecrets) password(username string) string {
	mac := hmac.New(sha1.New, s.key)
	mac.Write([]byte(username)) //nolint:errcheck,gosec

	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns a fresh username and password pair.
func (s *SharedSecrets) Issue() (username, password string, err error) {
	suffix, err := randutil.GenerateCryptoRandomString(usernameNonceLength, usernameRunes)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errFailedToGenerateSecret, err)
	}
	expires := s.clock.Now().Add(s.lifetime).Unix()
	username = strconv.FormatInt(expires, 10) + ":" + suffix

	return username, s.password(username), nil
}

// Password returns the password for a username this issuer handed out and has
// not expired yet.
func (s *SharedSecrets) Password(username string) (string, bool) {
	ts, _, ok := strings.Cut(username, ":")
	if !ok {
		return "", false
	}
	expires, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || s.clock.Now().Unix() > expires {
		return "", false
	}

	return s.password(username), true
}
