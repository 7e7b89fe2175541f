// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec,gci
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/proto"
)

// GenerateAuthKey is a convenience function to easily generate keys in the
// format used by AuthHandler.
func GenerateAuthKey(username, realm, password string) []byte {
	return proto.LongTermKey(username, realm, password)
}

// GenerateLongTermCredentials can be used to create credentials valid for [duration] time.
func GenerateLongTermCredentials(sharedSecret string, duration time.Duration) (string, string, error) {
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10)
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

// GenerateLongTermTURNRESTCredentials can be used to create credentials valid
// for [duration] time, with the username formatted as "<expiry>:<user>".
func GenerateLongTermTURNRESTCredentials(sharedSecret, user string, duration time.Duration) (string, string, error) {
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10) + ":" + user
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

func longTermCredentials(username string, sharedSecret string) (string, error) {
	mac := hmac.New(sha1.New, []byte(sharedSecret))
	_, err := mac.Write([]byte(username))
	if err != nil {
		return "", err // Not sure if this will ever happen
	}
	password := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(password), nil
}

// NewLongTermAuthHandler returns a turn.AuthAuthHandler used with Long Term
// (or Time Windowed) Credentials. The username is the expiry as a unix
// timestamp.
// See: https://tools.ietf.org/search/rfc5389#section-10.2
func NewLongTermAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	return timeWindowedHandler(sharedSecret, l, func(username string) string { return username })
}

// LongTermTURNRESTAuthHandler returns a turn.AuthAuthHandler that can be used
// to authenticate time-windowed ephemeral credentials generated by the TURN
// REST API as described in
// https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest-00
//
// The supported format of is timestamp:username, where username is an
// arbitrary user id and the timestamp specifies the expiry of the credential.
func LongTermTURNRESTAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	return timeWindowedHandler(sharedSecret, l, func(username string) string {
		timestamp, _, _ := strings.Cut(username, ":")

		return timestamp
	})
}

func timeWindowedHandler(sharedSecret string, l logging.LeveledLogger, expiry func(string) string) AuthHandler {
	if l == nil {
		l = logging.NewDefaultLoggerFactory().NewLogger("turn")
	}

	return func(username, realm string, srcAddr net.Addr) (key []byte, ok bool) {
		l.Tracef("Authentication username=%q realm=%q srcAddr=%v", username, realm, srcAddr)
		if err := checkExpiry(expiry(username)); err != nil {
			l.Warnf("%v: %q", err, username)

			return nil, false
		}
		password, err := longTermCredentials(username, sharedSecret)
		if err != nil {
			l.Error(err.Error())

			return nil, false
		}

		return GenerateAuthKey(username, realm, password), true
	}
}

func checkExpiry(timestamp string) error {
	t, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidUsername, err) //nolint:errorlint
	}
	if t < time.Now().Unix() {
		return errExpiredUsername
	}

	return nil
}
