// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import "errors"

var (
	// ErrDupeFiveTuple is returned when an allocation already exists for the 5-tuple.
	ErrDupeFiveTuple = errors.New("allocation attempt created with duplicate FiveTuple")
	// ErrQuotaReached is returned when the user holds the maximum number of allocations.
	ErrQuotaReached = errors.New("allocation quota reached")
	// ErrInsufficientCapacity is returned when no relay port satisfies the request.
	ErrInsufficientCapacity = errors.New("no relay port available")
	// ErrRelayBind is returned when the relay socket cannot be bound on an
	// allocated port.
	ErrRelayBind = errors.New("failed to bind relay socket")

	errLeveledLoggerMustBeSet   = errors.New("LeveledLogger must be set")
	errRelayBinderMustBeSet     = errors.New("RelayBinder must be set")
	errPortAllocatorMustBeSet   = errors.New("Ports must be set")
	errSenderMustBeSet          = errors.New("Sender must be set")
	errInvalidPortRange         = errors.New("invalid port range")
	errSameChannelDifferentPeer = errors.New("you cannot use the same channel number with different peer")
	errSamePeerDifferentChannel = errors.New("peer is already bound to a different channel number")
	errInvalidChannelNumber     = errors.New("channel number out of range")
	errLifetimeZero             = errors.New("allocations must not be created with a lifetime of 0")
	errNoPermission             = errors.New("no permission for peer")
	errNoChannel                = errors.New("no channel bound to number")
	errAllocationClosed         = errors.New("allocation is closed")
)

// IsChannelConflict reports whether err is a channel binding conflict.
func IsChannelConflict(err error) bool {
	return errors.Is(err, errSameChannelDifferentPeer) ||
		errors.Is(err, errSamePeerDifferentChannel) ||
		errors.Is(err, errInvalidChannelNumber)
}
