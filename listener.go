// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/ipnet"
	"github.com/pion/returnd/internal/proto"
)

const (
	streamWriteTimeout = 5 * time.Second
	// streamQueueSize is how many frames may wait for a slow stream reader
	// before the connection is dropped.
	streamQueueSize = 64
)

// packetConn is a UDP listener.
type packetConn struct {
	conn  net.PacketConn
	cm    ipnet.PacketConn // nil when destination addresses are not reported
	local netip.AddrPort
}

func (s *Server) newPacketConn(conn net.PacketConn) (*packetConn, error) {
	local, err := ipnet.AddrPort(conn.LocalAddr())
	if err != nil {
		return nil, err
	}

	p := &packetConn{conn: conn, local: local}
	if local.Addr().IsUnspecified() {
		// Wildcard sockets need the destination IP of every datagram to
		// build an exact 5-tuple.
		cm, err := ipnet.NewPacketConn(conn)
		if err != nil {
			s.log.Warnf("Destination addresses unavailable on %s: %v", local, err)
		} else {
			p.cm = cm
			p.conn = cm
		}
	}

	return p, nil
}

// read returns the next datagram with the local address it was sent to.
func (p *packetConn) read(b []byte) (int, netip.AddrPort, net.Addr, error) {
	if p.cm == nil {
		n, src, err := p.conn.ReadFrom(b)

		return n, p.local, src, err
	}

	n, cm, src, err := p.cm.ReadFromCM(b)
	if err != nil {
		return 0, netip.AddrPort{}, nil, err
	}
	dst := p.local
	if cm != nil && cm.Dst.IsValid() {
		dst = netip.AddrPortFrom(cm.Dst, p.local.Port())
	}

	return n, dst, src, nil
}

// packetConnFor returns the listener bound to local, or a wildcard listener
// on its port.
func (s *Server) packetConnFor(local netip.AddrPort) *packetConn {
	var wildcard *packetConn
	for _, p := range s.packetConns {
		switch {
		case p.local == local:
			return p
		case p.local.Addr().IsUnspecified() && p.local.Port() == local.Port() && wildcard == nil:
			wildcard = p
		}
	}

	return wildcard
}

func (s *Server) readPackets(p *packetConn) {
	defer s.readers.Done()

	buf := make([]byte, inboundMTU)
	for {
		n, dst, from, err := p.read(buf)
		if err != nil {
			s.log.Debugf("Exit read loop on error: %v", err)

			return
		}
		src, err := ipnet.AddrPort(from)
		if err != nil {
			s.log.Debugf("Dropping datagram: %v", err)

			continue
		}

		b := append([]byte(nil), buf[:n]...)
		if !s.post(func() { s.handlePacket(src, dst, b) }) {
			return
		}
	}
}

// handlePacket runs on the dispatch goroutine.
func (s *Server) handlePacket(src, dst netip.AddrPort, b []byte) {
	fiveTuple := allocation.NewFiveTuple(allocation.UDP, src, dst)

	switch {
	case proto.IsChannelData(b):
		c, err := proto.DecodeChannelData(b)
		if err != nil {
			s.log.Debugf("Dropping channel data from %v: %v", fiveTuple, err)

			return
		}
		s.dispatcher.HandleChannelData(c, fiveTuple)
	case proto.IsMessage(b):
		m, err := proto.Decode(b)
		if err != nil {
			s.deliver(fiveTuple, s.dispatcher.HandleDecodeError(err, fiveTuple))

			return
		}
		s.deliver(fiveTuple, s.dispatcher.HandleMessage(m, fiveTuple, false))
	default:
		s.log.Debugf("Dropping %d bytes of non-STUN traffic from %s", len(b), src)
	}
}

// streamConn is an accepted TCP or TLS connection. Frames are written by
// its own goroutine so a client that stops reading only stalls itself.
type streamConn struct {
	conn      net.Conn
	fiveTuple allocation.FiveTuple
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamConn(conn net.Conn, fiveTuple allocation.FiveTuple) *streamConn {
	return &streamConn{
		conn:      conn,
		fiveTuple: fiveTuple,
		queue:     make(chan []byte, streamQueueSize),
		done:      make(chan struct{}),
	}
}

// write queues b without blocking. When the queue is full the connection is
// closed; the read side notices and the stream is torn down on the dispatch
// goroutine.
func (c *streamConn) write(b []byte) error {
	select {
	case c.queue <- b:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		_ = c.conn.Close()

		return fmt.Errorf("%w: %v", errStreamBacklog, c.fiveTuple)
	}
}

// close stops the writer and closes the connection.
func (c *streamConn) close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

func (s *Server) writeStream(c *streamConn) {
	defer s.readers.Done()

	for {
		select {
		case b := <-c.queue:
			if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				s.log.Debugf("Stop writing %v: %v", c.fiveTuple, err)

				return
			}
			if _, err := c.conn.Write(b); err != nil {
				s.log.Debugf("Stop writing %v: %v", c.fiveTuple, err)
				_ = c.conn.Close()

				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) acceptStreams(l net.Listener) {
	defer s.readers.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.log.Debugf("Exit accept loop on error: %v", err)

			return
		}
		s.openStream(conn)
	}
}

func (s *Server) openStream(conn net.Conn) {
	src, err := ipnet.AddrPort(conn.RemoteAddr())
	if err != nil {
		s.log.Debugf("Rejecting connection: %v", err)
		_ = conn.Close()

		return
	}
	dst, err := ipnet.AddrPort(conn.LocalAddr())
	if err != nil {
		s.log.Debugf("Rejecting connection: %v", err)
		_ = conn.Close()

		return
	}

	protocol := allocation.TCP
	if _, ok := conn.(*tls.Conn); ok {
		protocol = allocation.TLS
	}
	c := newStreamConn(conn, allocation.NewFiveTuple(protocol, src, dst))

	if !s.post(func() {
		s.streams[c.fiveTuple] = c
		s.readers.Add(2)
		go s.readStream(c)
		go s.writeStream(c)
	}) {
		_ = conn.Close()
	}
}

func (s *Server) readStream(c *streamConn) {
	defer s.readers.Done()

	frames := proto.NewFrameReader(c.conn)
	for {
		f, err := frames.ReadFrame()
		var unknown *proto.UnknownAttributesError
		switch {
		case errors.As(err, &unknown):
			// The frame was consumed whole, so the stream stays in sync.
			if !s.post(func() { s.deliver(c.fiveTuple, s.dispatcher.HandleDecodeError(unknown, c.fiveTuple)) }) {
				return
			}

			continue
		case err != nil:
			s.log.Debugf("Closing %v: %v", c.fiveTuple, err)
			s.post(func() { s.closeStream(c) })

			return
		}

		if !s.post(func() { s.handleFrame(c, f) }) {
			return
		}
	}
}

// handleFrame runs on the dispatch goroutine.
func (s *Server) handleFrame(c *streamConn, f *proto.Frame) {
	if f.Message == nil {
		s.dispatcher.HandleChannelData(&proto.ChannelData{Number: f.Channel, Data: f.Data}, c.fiveTuple)

		return
	}

	secure := c.fiveTuple.Protocol == allocation.TLS
	s.deliver(c.fiveTuple, s.dispatcher.HandleMessage(f.Message, c.fiveTuple, secure))
}

// closeStream runs on the dispatch goroutine. The allocation created over the
// connection goes away with it.
func (s *Server) closeStream(c *streamConn) {
	if s.streams[c.fiveTuple] != c {
		return
	}
	delete(s.streams, c.fiveTuple)
	if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debugf("Failed to close %v: %v", c.fiveTuple, err)
	}
	s.dispatcher.TransportClosed(c.fiveTuple)
}
