// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net/netip"
	"time"
)

// DefaultPermissionTimeout is how long a permission lives without refresh.
const DefaultPermissionTimeout = time.Duration(5) * time.Minute

// Permission represents a TURN permission. TURN permissions mimic the address-restricted
// filtering mechanism of NATs that comply with [RFC4787].
// https://tools.ietf.org/html/rfc5766#section-2.3
//
// Permissions carry no timer: an expired entry is evicted the next time it
// is looked up.
type Permission struct {
	Addr      netip.Addr
	expiresAt time.Time
}

func (p *Permission) expired(now time.Time) bool {
	return !now.Before(p.expiresAt)
}

// ExpiresAt returns the time the permission lapses unless refreshed.
func (p *Permission) ExpiresAt() time.Time {
	return p.expiresAt
}
