// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turn contains a STUN and TURN server speaking the reTurn dialect:
// RFC 3489, RFC 5389 and RFC 5766 over UDP, TCP and TLS, with an optional
// RFC 3489 NAT classification mode.
package turn
