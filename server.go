// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/auth"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/ipnet"
	"github.com/pion/returnd/internal/proto"
	"github.com/pion/returnd/internal/server"
)

const (
	inboundMTU = 1600
)

// Server is an instance of the Pion TURN Server.
//
// All protocol state is owned by a single dispatch goroutine. Reader
// goroutines for listeners, client connections and relay sockets post what
// they read to it, and allocation timers are delivered the same way.
type Server struct {
	log        logging.LeveledLogger
	events     EventHandler
	auth       *auth.Authenticator
	manager    *allocation.Manager
	dispatcher *server.Dispatcher

	packetConns []*packetConn
	listeners   []net.Listener
	streams     map[allocation.FiveTuple]*streamConn // dispatch goroutine only

	inbound   chan func()
	closing   chan struct{}
	loopDone  chan struct{}
	readers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates the Pion TURN server
//
//nolint:gocognit,cyclop
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	s := &Server{
		log:      loggerFactory.NewLogger("turn"),
		events:   config.EventHandler,
		streams:  make(map[allocation.FiveTuple]*streamConn),
		inbound:  make(chan func()),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	loopClock := clock.Posted{Post: func(f func()) { s.post(f) }}

	var secrets *auth.SharedSecrets
	if config.SharedSecrets {
		var err error
		if secrets, err = auth.NewSharedSecrets(config.SharedSecretLifetime, loopClock); err != nil {
			return nil, err
		}
	}
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Mode:          config.AuthMode.mode(),
		Realm:         config.Realm,
		AuthHandler:   config.AuthHandler.handler(),
		SharedSecrets: secrets,
		NonceLifetime: config.NonceLifetime,
		Clock:         loopClock,
		LeveledLogger: loggerFactory.NewLogger("auth"),
	})
	if err != nil {
		return nil, err
	}
	s.auth = authenticator

	minPort, maxPort := config.Relay.MinPort, config.Relay.MaxPort
	if minPort == 0 {
		minPort = defaultMinRelayPort
	}
	if maxPort == 0 {
		maxPort = defaultMaxRelayPort
	}
	ports, err := allocation.NewPortAllocator(minPort, maxPort)
	if err != nil {
		return nil, err
	}
	binder, err := newRelayBinder(s, config.Relay)
	if err != nil {
		return nil, err
	}

	s.manager, err = allocation.NewManager(allocation.ManagerConfig{
		LeveledLogger:         loggerFactory.NewLogger("allocation"),
		Clock:                 loopClock,
		Ports:                 ports,
		RelayBinder:           binder,
		Sender:                (*clientSender)(s),
		EventHandler:          config.EventHandler,
		PermissionTimeout:     config.PermissionTimeout,
		ChannelBindTimeout:    config.ChannelBindTimeout,
		MaxAllocationsPerUser: config.MaxAllocationsPerUser,
	})
	if err != nil {
		return nil, err
	}

	dispatchConfig := server.Config{
		Allocations:     s.manager,
		Authenticator:   authenticator,
		Software:        config.Software,
		DefaultLifetime: config.DefaultLifetime,
		MaxLifetime:     config.MaxLifetime,
		Bandwidth:       config.Bandwidth,
		OnAuth:          config.EventHandler.OnAuth,
		LeveledLogger:   loggerFactory.NewLogger("dispatch"),
	}
	if config.Legacy != nil {
		dispatchConfig.Legacy = &server.Legacy{
			PrimaryAddr:   config.Legacy.PrimaryAddr,
			AlternateAddr: config.Legacy.AlternateAddr,
		}
	}
	if s.dispatcher, err = server.NewDispatcher(dispatchConfig); err != nil {
		return nil, err
	}

	for _, cfg := range config.PacketConnConfigs {
		p, err := s.newPacketConn(cfg.PacketConn)
		if err != nil {
			return nil, err
		}
		s.packetConns = append(s.packetConns, p)
	}
	for _, cfg := range config.ListenerConfigs {
		s.listeners = append(s.listeners, cfg.Listener)
	}

	go s.loop()
	for _, p := range s.packetConns {
		s.log.Infof("Listening on %s/%s", p.conn.LocalAddr().Network(), p.local)
		s.readers.Add(1)
		go s.readPackets(p)
	}
	for _, l := range s.listeners {
		s.log.Infof("Listening on %s/%s", l.Addr().Network(), l.Addr())
		s.readers.Add(1)
		go s.acceptStreams(l)
	}

	return s, nil
}

// AllocationCount returns the number of active allocations. It can be used
// to drain the server before closing.
func (s *Server) AllocationCount() int {
	count := make(chan int, 1)
	if !s.post(func() { count <- s.manager.AllocationCount() }) {
		return 0
	}

	return <-count
}

// Close stops the TURN Server. It cleans up any associated state and closes
// all connections it is managing.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.loopDone

		// The dispatch goroutine has exited; its state is safe to touch here.
		errs := []error{s.manager.Close()}
		for _, p := range s.packetConns {
			errs = append(errs, p.conn.Close())
		}
		for _, l := range s.listeners {
			errs = append(errs, l.Close())
		}
		for _, c := range s.streams {
			if err := c.close(); !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.readers.Wait()

		s.closeErr = errors.Join(errs...)
	})

	return s.closeErr
}

// post hands f to the dispatch goroutine. It returns false once the server
// is closing, in which case f never runs.
func (s *Server) post(f func()) bool {
	select {
	case s.inbound <- f:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Server) loop() {
	defer close(s.loopDone)

	for {
		select {
		case f := <-s.inbound:
			f()
		case <-s.closing:
			return
		}
	}
}

// deliver sends a dispatcher response back to the client of fiveTuple.
func (s *Server) deliver(fiveTuple allocation.FiveTuple, res server.Response) {
	if res.Disposition == server.DispositionNone {
		return
	}

	b, err := proto.Encode(res.Message, fiveTuple.Protocol.Reliable())
	if err != nil {
		s.log.Errorf("Failed to encode %v: %v", res.Message, err)

		return
	}

	if fiveTuple.Protocol.Reliable() {
		err = s.queueStream(fiveTuple, b)
	} else {
		from, to := fiveTuple.DstAddr, fiveTuple.SrcAddr
		if res.Disposition == server.DispositionRespondAlternate {
			from = res.Source
		}
		if res.Destination.IsValid() {
			to = res.Destination
		}
		err = s.writePacket(from, to, b)
	}
	if err != nil {
		s.log.Warnf("Failed to send %v to %v: %v", res.Message, fiveTuple, err)
	}
}

func (s *Server) writePacket(from, to netip.AddrPort, b []byte) error {
	p := s.packetConnFor(from)
	if p == nil {
		return fmt.Errorf("%w: %s", errNoListener, from)
	}
	_, err := p.conn.WriteTo(b, ipnet.UDPAddr(to))

	return err
}

func (s *Server) queueStream(fiveTuple allocation.FiveTuple, b []byte) error {
	c, ok := s.streams[fiveTuple]
	if !ok {
		return fmt.Errorf("%w: %v", errNoStream, fiveTuple)
	}

	return c.write(b)
}

// clientSender delivers relayed data to clients for the allocation manager.
type clientSender Server

func (c *clientSender) Send(fiveTuple allocation.FiveTuple, b []byte) error {
	s := (*Server)(c)
	if fiveTuple.Protocol.Reliable() {
		return s.queueStream(fiveTuple, b)
	}

	return s.writePacket(fiveTuple.DstAddr, fiveTuple.SrcAddr, b)
}
