// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package auth

import "errors"

var (
	errLeveledLoggerMustBeSet   = errors.New("LeveledLogger must be set for Authenticator")
	errRealmMustBeSet           = errors.New("realm must be set for long-term authentication")
	errFailedToGenerateNonceKey = errors.New("failed to generate nonce key")
	errFailedToGenerateSecret   = errors.New("failed to generate shared secret")
)
