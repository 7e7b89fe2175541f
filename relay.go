// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/ipnet"
)

// relayBinder opens relay sockets on the ports the PortAllocator hands out.
type relayBinder struct {
	server  *Server
	network string
	address string
	relayIP netip.Addr
	listen  func(network, address string) (net.PacketConn, error)
}

func newRelayBinder(s *Server, config RelayConfig) (*relayBinder, error) {
	relayIP, ok := netip.AddrFromSlice(config.RelayAddress)
	if !ok {
		return nil, errRelayAddressInvalid
	}
	relayIP = relayIP.Unmap()

	r := &relayBinder{
		server:  s,
		network: "udp4",
		address: config.Address,
		relayIP: relayIP,
	}
	if relayIP.Is6() {
		r.network = "udp6"
	}

	if config.Net != nil {
		r.listen = config.Net.ListenPacket
	} else {
		r.listen = func(network, address string) (net.PacketConn, error) {
			return ListenPacket(context.Background(), network, address)
		}
	}

	return r, nil
}

// Bind runs on the dispatch goroutine.
func (r *relayBinder) Bind(fiveTuple allocation.FiveTuple, port uint16) (allocation.RelayConn, error) {
	conn, err := r.listen(r.network, net.JoinHostPort(r.address, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}

	relay := &relayConn{conn: conn, addr: netip.AddrPortFrom(r.relayIP, port)}
	r.server.readers.Add(1)
	go r.server.readRelay(relay, port, fiveTuple)

	return relay, nil
}

type relayConn struct {
	conn   net.PacketConn
	addr   netip.AddrPort
	closed atomic.Bool
}

func (r *relayConn) WriteTo(b []byte, peer netip.AddrPort) error {
	_, err := r.conn.WriteTo(b, ipnet.UDPAddr(peer))

	return err
}

func (r *relayConn) LocalAddr() netip.AddrPort {
	return r.addr
}

func (r *relayConn) Close() error {
	r.closed.Store(true)

	return r.conn.Close()
}

// readRelay posts datagrams from peers to the dispatch goroutine until the
// relay socket is closed.
func (s *Server) readRelay(relay *relayConn, port uint16, fiveTuple allocation.FiveTuple) {
	defer s.readers.Done()

	buf := make([]byte, inboundMTU)
	for {
		n, from, err := relay.conn.ReadFrom(buf)
		if err != nil {
			if !relay.closed.Load() {
				s.log.Warnf("Relay socket %s of %v failed: %v", relay.addr, fiveTuple, err)
				if f := s.events.OnAllocationError; f != nil {
					s.post(func() {
						f(fiveTuple.SrcAddr, fiveTuple.DstAddr, fiveTuple.Protocol.String(), err.Error())
					})
				}
			}

			return
		}
		peer, err := ipnet.AddrPort(from)
		if err != nil {
			s.log.Debugf("Dropping relayed datagram: %v", err)

			continue
		}

		b := append([]byte(nil), buf[:n]...)
		if !s.post(func() { s.dispatcher.HandlePeerData(port, peer, b) }) {
			return
		}
	}
}
