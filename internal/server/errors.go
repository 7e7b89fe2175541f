// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import "errors"

var (
	errLeveledLoggerMustBeSet     = errors.New("LeveledLogger must be set for Dispatcher")
	errAllocationManagerMustBeSet = errors.New("allocation manager must be set for Dispatcher")
	errAuthenticatorMustBeSet     = errors.New("authenticator must be set for Dispatcher")
	errInvalidLifetimeRange       = errors.New("max lifetime is below the default lifetime")
)
