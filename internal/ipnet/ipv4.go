// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ipnet

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

type ipv4PacketConn struct {
	conn  *ipv4.PacketConn
	local netip.Addr
}

func newIPv4PacketConn(c *net.UDPConn) (*ipv4PacketConn, error) {
	conn := ipv4.NewPacketConn(c)

	if err := setControlMessage(conn); err != nil {
		return nil, err
	}

	local, _ := AddrPort(c.LocalAddr())

	return &ipv4PacketConn{
		conn:  conn,
		local: local.Addr(),
	}, nil
}

func (c *ipv4PacketConn) ReadFromCM(b []byte) (int, *ControlMessage, net.Addr, error) {
	n, ipcm, src, err := c.conn.ReadFrom(b)
	if err != nil {
		return 0, nil, nil, err
	}

	return n, c.controlMessage(ipcm), src, nil
}

func (c *ipv4PacketConn) controlMessage(ipcm *ipv4.ControlMessage) *ControlMessage {
	cm := &ControlMessage{Dst: c.local}
	if ipcm == nil {
		return cm
	}
	if dst, ok := netip.AddrFromSlice(ipcm.Dst); ok && dst.Unmap().IsValid() {
		cm.Dst = dst.Unmap()
	}

	return cm
}

func (c *ipv4PacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	n, _, src, err := c.conn.ReadFrom(p)

	return n, src, err
}

func (c *ipv4PacketConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	return c.conn.WriteTo(b, nil, dst)
}

func (c *ipv4PacketConn) Close() error {
	return c.conn.Close()
}

func (c *ipv4PacketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *ipv4PacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *ipv4PacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *ipv4PacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
