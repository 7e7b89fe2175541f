// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"encoding/binary"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
)

// DefaultReservationTimeout is how long a reserved odd port waits to be
// claimed.
const DefaultReservationTimeout = 30 * time.Second

type reservation struct {
	port  uint16
	owner FiveTuple
	timer clock.Timer
}

var globalMathRandomGenerator = randutil.NewMathRandomGenerator() //nolint:gochecknoglobals

func newReservationToken() (token proto.ReservationToken) {
	v, err := randutil.CryptoUint64()
	if err != nil {
		v = globalMathRandomGenerator.Uint64()
	}
	binary.BigEndian.PutUint64(token[:], v)

	return token
}

// reserve records a token for the reserved port. The token lapses after
// the reservation timeout and the port is released.
func (m *Manager) reserve(port uint16, owner FiveTuple) *proto.ReservationToken {
	token := newReservationToken()
	for _, taken := m.reservations[token]; taken; _, taken = m.reservations[token] {
		token = newReservationToken()
	}

	m.reservations[token] = &reservation{
		port:  port,
		owner: owner,
		timer: m.clock.AfterFunc(m.reservationTimeout, func() { m.expireReservation(token) }),
	}
	m.log.Debugf("Reserved port %d for %v", port, owner)

	return &token
}

// GetReservation returns the port for a given reservation if it exists.
func (m *Manager) GetReservation(token proto.ReservationToken) (uint16, bool) {
	r, ok := m.reservations[token]
	if !ok {
		return 0, false
	}

	return r.port, true
}

// dropReservation forgets token without touching the port.
func (m *Manager) dropReservation(token proto.ReservationToken) {
	r, ok := m.reservations[token]
	if !ok {
		return
	}
	delete(m.reservations, token)
	r.timer.Stop()
	if a := m.allocations[r.owner]; a != nil && a.reservation != nil && *a.reservation == token {
		a.reservation = nil
	}
}

func (m *Manager) expireReservation(token proto.ReservationToken) {
	r, ok := m.reservations[token]
	if !ok {
		return
	}
	m.dropReservation(token)
	if m.ports.State(UDP, r.port) == PortReserved {
		m.ports.Deallocate(UDP, r.port)
	}
	m.log.Debugf("Reservation for port %d expired", r.port)
}
