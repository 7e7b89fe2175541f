// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package main implements returnd, a STUN/TURN server configured from a
// YAML file.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"
	turn "github.com/pion/returnd"
	"github.com/pion/transport/v3/stdnet"
)

func main() {
	configPath := flag.String("config", "returnd.yaml", "Configuration file.")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel, _ = config.logLevel()

	s, closers, err := start(config, loggerFactory)
	if err != nil {
		log.Fatalf("Failed to start server: %s", err)
	}

	// Block until user sends SIGINT or SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if err = s.Close(); err != nil {
		log.Panic(err)
	}
	for _, c := range closers {
		_ = c.Close()
	}
}

// start opens the listeners and the users file and starts the server. The
// returned closers are released after the server is closed; closing them
// again is harmless.
func start(config *Config, loggerFactory logging.LoggerFactory) (*turn.Server, []io.Closer, error) {
	nw, err := stdnet.NewNet()
	if err != nil {
		return nil, nil, err
	}
	serverConfig, err := config.serverConfig(nw, loggerFactory)
	if err != nil {
		return nil, nil, err
	}

	var closers []io.Closer
	fail := func(err error) (*turn.Server, []io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}

		return nil, nil, err
	}

	ctx := context.Background()
	for _, address := range config.udpAddresses() {
		conn, err := turn.ListenPacket(ctx, network("udp", address), address)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, conn)
		serverConfig.PacketConnConfigs = append(serverConfig.PacketConnConfigs, turn.PacketConnConfig{PacketConn: conn})
	}
	for _, address := range config.Listen.TCP {
		l, err := turn.Listen(ctx, network("tcp", address), address)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, l)
		serverConfig.ListenerConfigs = append(serverConfig.ListenerConfigs, turn.ListenerConfig{Listener: l})
	}
	if len(config.Listen.TLS) > 0 {
		cert, err := tls.LoadX509KeyPair(config.TLS.Cert, config.TLS.Key)
		if err != nil {
			return fail(err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		for _, address := range config.Listen.TLS {
			l, err := turn.Listen(ctx, network("tcp", address), address)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, l)
			serverConfig.ListenerConfigs = append(serverConfig.ListenerConfigs,
				turn.ListenerConfig{Listener: tls.NewListener(l, tlsConfig)})
		}
	}

	if config.UsersFile != "" && serverConfig.AuthMode != turn.AuthModeNone {
		users, err := newUserStore(config.UsersFile, config.Realm, serverConfig.AuthMode, loggerFactory.NewLogger("users"))
		if err != nil {
			return fail(err)
		}
		watcher, err := users.watch()
		if err != nil {
			return fail(err)
		}
		closers = append(closers, watcher)
		serverConfig.AuthHandler = users.authHandler
	}

	s, err := turn.NewServer(serverConfig)
	if err != nil {
		return fail(err)
	}

	return s, closers, nil
}
