// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import "errors"

var (
	errNoAvailableConns        = errors.New("turn: PacketConnConfigs and ListenerConfigs are empty")
	errNilConn                 = errors.New("turn: a PacketConn or Listener is nil")
	errRelayAddressInvalid     = errors.New("turn: Relay.RelayAddress must be a valid IP")
	errListeningAddressInvalid = errors.New("turn: relay listening address is empty")
	errNoAuthHandler           = errors.New("turn: AuthHandler must be set unless SharedSecrets are enabled")
	errRealmMustBeSet          = errors.New("turn: Realm must be set for long-term authentication")
	errNoListener              = errors.New("turn: no listener for local address")
	errNoStream                = errors.New("turn: no connection for 5-tuple")
	errStreamBacklog           = errors.New("turn: connection not reading, dropped")
	errInvalidUsername         = errors.New("turn: invalid time-windowed username")
	errExpiredUsername         = errors.New("turn: expired time-windowed username")
)
