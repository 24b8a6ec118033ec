// Package peers provides support code for running and reaching peers.
package peers

import (
	"context"
	"fmt"
	"io"

	"github.com/creachadair/hilbox"
	"github.com/creachadair/hilbox/channel"
	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/identity"
)

// Local is a peer connected to a session in memory, suitable for testing
// and for simulating a device in the host tool.
type Local struct {
	Peer    *hilbox.Peer
	Session *hilbox.Session
}

// Stop closes the session and shuts down the peer, and blocks until the peer
// has exited.
func (p *Local) Stop() error {
	p.Session.Close()
	return p.Peer.Stop()
}

// NewLocal starts p on one end of a direct channel and returns it together
// with a session on the other end using opts. If p == nil, a new empty peer
// is used. The peer must be configured before calling NewLocal, except that
// handlers may be added at any time.
func NewLocal(p *hilbox.Peer, opts *hilbox.Options) *Local {
	if p == nil {
		p = hilbox.NewPeer()
	}
	dev, host := channel.Direct()
	return &Local{
		Peer:    p.Start(dev),
		Session: hilbox.NewSession(host, nil, opts),
	}
}

// Dial resolves the device advertising id and returns a session to it on a
// new UDP socket. The caller must close the session when it is no longer
// needed. The address is valid for this session only; if the device restarts
// or moves, dial again.
func Dial(ctx context.Context, r *discovery.Resolver, id identity.ID, opts *hilbox.Options) (*hilbox.Session, error) {
	addr, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve %v: %w", id, err)
	}
	network := "udp4"
	if addr.IP.To4() == nil {
		network = "udp6"
	}
	ch, err := channel.ListenUDP(network, ":0")
	if err != nil {
		return nil, err
	}
	return hilbox.NewSession(ch, addr, opts), nil
}

// An Advertise function publishes a peer listening on the given port, until
// the returned closer is closed.
type Advertise func(port int) (io.Closer, error)

// Serve runs p on ch until p exits or ctx ends, and reports the status of p.
// If advertise != nil, the peer is advertised while it runs. Serve takes
// ownership of ch, and closes it before returning.
//
// A peer exits on its own after it commits a firmware image, in which case
// Serve returns nil and the caller is expected to restart.
func Serve(ctx context.Context, p *hilbox.Peer, ch *channel.UDPChannel, advertise Advertise) error {
	if advertise != nil {
		adv, err := advertise(ch.LocalAddr().Port)
		if err != nil {
			ch.Close()
			return fmt.Errorf("advertise: %w", err)
		}
		defer adv.Close()
	}

	p.Start(ch)
	stop := context.AfterFunc(ctx, func() { p.Stop() })
	defer stop()
	return p.Wait()
}

// MDNS returns an Advertise function that publishes cfg with multicast DNS,
// using the port of the served socket.
func MDNS(cfg discovery.Config) Advertise {
	return func(port int) (io.Closer, error) {
		cfg.Port = port
		return discovery.Advertise(cfg)
	}
}
