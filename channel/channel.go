// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the hilbox.Conn interface.
package channel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/hilbox"
)

// maxDatagram is the largest UDP payload that can be received.
const maxDatagram = 65535

// UDP constructs a conn that sends and receives datagrams on c.
func UDP(c *net.UDPConn) *UDPChannel {
	return &UDPChannel{c: c, buf: make([]byte, maxDatagram)}
}

// ListenUDP opens a UDP socket on the given network and address and returns
// a conn for it. An address with port 0 picks an ephemeral port.
func ListenUDP(network, addr string) (*UDPChannel, error) {
	ua, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP(network, ua)
	if err != nil {
		return nil, err
	}
	return UDP(c), nil
}

// A UDPChannel sends and receives datagrams on a UDP socket.
type UDPChannel struct {
	c   *net.UDPConn
	buf []byte // owned by Recv
}

// LocalAddr reports the local address of the socket.
func (u *UDPChannel) LocalAddr() *net.UDPAddr { return u.c.LocalAddr().(*net.UDPAddr) }

// Send implements a method of the [hilbox.Conn] interface.
func (u *UDPChannel) Send(d *hilbox.Datagram) error {
	if d.Addr == nil {
		_, err := u.c.Write(d.Data)
		return err
	}
	_, err := u.c.WriteTo(d.Data, d.Addr)
	return err
}

// Recv implements a method of the [hilbox.Conn] interface.
func (u *UDPChannel) Recv(ctx context.Context) (*hilbox.Datagram, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		u.c.SetReadDeadline(dl)
	} else {
		u.c.SetReadDeadline(time.Time{})
	}

	// Interrupt the pending read when ctx ends. If the interrupt has already
	// fired, wait for it so it cannot clobber the deadline of a later read.
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		u.c.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-done
		}
	}()

	n, addr, err := u.c.ReadFromUDP(u.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			} else if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
				return nil, context.DeadlineExceeded
			}
		}
		return nil, err
	}
	return &hilbox.Datagram{Addr: addr, Data: bytes.Clone(u.buf[:n])}, nil
}

// Close implements a method of the [hilbox.Conn] interface.
func (u *UDPChannel) Close() error { return u.c.Close() }

// directQueue is the number of datagrams buffered by a direct conn before
// further sends are dropped.
const directQueue = 64

// Direct constructs a connected pair of in-memory conns that pass datagrams
// without a network. Datagrams sent to A are received by B and vice versa.
// Like a real datagram network, a send that would block is dropped, and
// closing one end does not close the other.
//
// Received datagrams carry the address of the sending conn, named "A" or
// "B" on the "direct" network.
func Direct() (A, B hilbox.Conn) {
	a2b := make(chan *hilbox.Datagram, directQueue)
	b2a := make(chan *hilbox.Datagram, directQueue)
	A = &direct{out: a2b, in: b2a, closed: make(chan struct{}), addr: directAddr("A")}
	B = &direct{out: b2a, in: a2b, closed: make(chan struct{}), addr: directAddr("B")}
	return
}

type direct struct {
	out    chan<- *hilbox.Datagram
	in     <-chan *hilbox.Datagram
	closed chan struct{}
	once   sync.Once
	addr   net.Addr
}

// Send implements a method of the [hilbox.Conn] interface.
func (d *direct) Send(dg *hilbox.Datagram) error {
	select {
	case <-d.closed:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- &hilbox.Datagram{Addr: d.addr, Data: bytes.Clone(dg.Data)}:
	default:
		// Drop the datagram, as a full network queue would.
	}
	return nil
}

// Recv implements a method of the [hilbox.Conn] interface.
func (d *direct) Recv(ctx context.Context) (*hilbox.Datagram, error) {
	select {
	case <-d.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, net.ErrClosed
	case dg := <-d.in:
		return dg, nil
	}
}

// Close implements a method of the [hilbox.Conn] interface.
func (d *direct) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

type directAddr string

func (directAddr) Network() string  { return "direct" }
func (a directAddr) String() string { return string(a) }

// Filter returns a conn that delegates to c, but silently discards outbound
// datagrams for which keep reports false. This simulates loss on a network.
func Filter(c hilbox.Conn, keep func(*hilbox.Datagram) bool) hilbox.Conn {
	return filter{Conn: c, keep: keep}
}

type filter struct {
	hilbox.Conn
	keep func(*hilbox.Datagram) bool
}

func (f filter) Send(d *hilbox.Datagram) error {
	if !f.keep(d) {
		return nil
	}
	return f.Conn.Send(d)
}
