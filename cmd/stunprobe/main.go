// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package main implements a probe that checks a STUN/TURN server with an
// independent client implementation.
package main

import (
	"flag"
	"log"

	"github.com/pion/stun/v2"
	"github.com/pion/transport/v3/stdnet"
)

func main() {
	uri := flag.String("uri", "stun:127.0.0.1:3478", "Server URI. Only UDP transports are supported.")
	user := flag.String("user", "", "Username for the Allocate request. Leave empty to only send a Binding request.")
	password := flag.String("password", "", "Password for the Allocate request.")
	flag.Parse()

	u, err := stun.ParseURI(*uri)
	if err != nil {
		log.Fatalf("Failed to parse URI: %s", err)
	}
	if u.Proto == stun.ProtoTypeTCP {
		log.Fatalf("TCP transports are not supported")
	}

	nw, err := stdnet.NewNet()
	if err != nil {
		log.Fatalf("Failed to create net: %s", err)
	}
	c, err := stun.DialURI(u, &stun.DialConfig{Net: nw})
	if err != nil {
		log.Fatalf("Failed to dial %s: %s", u, err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			log.Printf("Failed to close client: %s", closeErr)
		}
	}()

	mapped, err := binding(c)
	if err != nil {
		log.Fatalf("Binding failed: %s", err) //nolint:gocritic
	}
	log.Printf("Reflexive address: %s", mapped)

	if *user == "" {
		return
	}
	a, err := allocate(c, *user, *password)
	if err != nil {
		log.Fatalf("Allocate failed: %s", err)
	}
	log.Printf("Relayed address: %s (lifetime %s)", a.Relayed, a.Lifetime)
}
