// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package discovery locates HilBox devices on the local network.
//
// Each device advertises a DNS-SD service of type [Service] whose TXT record
// carries its identity as "uuid=<hex>". A [Resolver] browses advertisements
// through a [Browser] and reports the address of the device whose identity
// matches. The [MDNS] browser and [Advertise] use multicast DNS; the
// [Registry] is an in-memory equivalent for tests and local simulation.
package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/hilbox/identity"
	"github.com/creachadair/taskgroup"
)

const (
	// Service is the DNS-SD service type advertised by devices.
	Service = "_hilbox._udp"

	// Domain is the DNS-SD domain in which devices advertise.
	Domain = "local."

	// TXTKey is the key of the TXT record field carrying the identity.
	TXTKey = "uuid"

	// DefaultPort is the device port assumed when an advertisement does not
	// carry one.
	DefaultPort = 1337

	// DefaultTimeout is the default time bound for Resolve.
	DefaultTimeout = 3 * time.Second

	// DefaultPoll is the default interval at which Resolve checks for a
	// matching advertisement.
	DefaultPoll = 100 * time.Millisecond
)

// ErrTimeout is reported by Resolve when no device with the requested
// identity is advertised within the time bound.
var ErrTimeout = errors.New("peer not found within timeout")

// An Advert is a single service advertisement seen on the network.
type Advert struct {
	Instance string // service instance name, e.g., "hilbox-0a1b2c"
	ID       string // identity from the TXT record, lowercase hex
	Addr     net.IP // advertised address
	Port     int    // advertised port, or 0 if none
}

// UDPAddr returns the address of the advertised device. If the advertisement
// carries no port, DefaultPort is used.
func (a Advert) UDPAddr() *net.UDPAddr {
	port := a.Port
	if port == 0 {
		port = DefaultPort
	}
	return &net.UDPAddr{IP: a.Addr, Port: port}
}

// Matches reports whether a advertises the given identity.
func (a Advert) Matches(id identity.ID) bool {
	return strings.EqualFold(a.ID, id.String())
}

// InstanceName returns the service instance name a device advertises by
// default.
func InstanceName(id identity.ID) string { return "hilbox-" + id.Short() }

// A Browser reports service advertisements. Browse sends each advertisement
// it observes to ads until ctx ends, and must not block sending once ctx has
// ended. It returns nil when ctx ends, or an error if browsing fails.
type Browser interface {
	Browse(ctx context.Context, ads chan<- Advert) error
}

// A Resolver finds the address of a device by its identity.
type Resolver struct {
	// The source of advertisements. If nil, a default MDNS browser is used.
	Browser Browser

	// How long Resolve waits for a matching advertisement.
	// If zero, use DefaultTimeout.
	Timeout time.Duration

	// How often Resolve checks for a matching advertisement.
	// If zero, use DefaultPoll.
	Poll time.Duration
}

func (r *Resolver) browser() Browser {
	if r == nil || r.Browser == nil {
		return MDNS{}
	}
	return r.Browser
}

func (r *Resolver) timeout() time.Duration {
	if r == nil || r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Resolver) poll() time.Duration {
	if r == nil || r.Poll <= 0 {
		return DefaultPoll
	}
	return r.Poll
}

// Resolve browses for an advertisement carrying id and returns the address
// of the first match. If none is seen within the timeout, Resolve reports
// ErrTimeout. The browser runs only for the duration of the call.
func (r *Resolver) Resolve(ctx context.Context, id identity.ID) (*net.UDPAddr, error) {
	bctx, cancel := context.WithCancel(ctx)
	ads := make(chan Advert, 16)
	errc := make(chan error, 1)

	var μ sync.Mutex
	var found *net.UDPAddr

	g := taskgroup.New(nil)
	g.Go(func() error {
		errc <- r.browser().Browse(bctx, ads)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-bctx.Done():
				return nil
			case ad := <-ads:
				if !ad.Matches(id) || ad.Addr == nil {
					continue
				}
				μ.Lock()
				if found == nil {
					found = ad.UDPAddr() // the first match wins
				}
				μ.Unlock()
			}
		}
	})
	defer func() { cancel(); g.Wait() }()

	timer := time.NewTimer(r.timeout())
	defer timer.Stop()
	tick := time.NewTicker(r.poll())
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			μ.Lock()
			addr := found
			μ.Unlock()
			if addr != nil {
				return addr, nil
			}
		case err := <-errc:
			if err != nil {
				return nil, err
			}
			errc = nil // the browser is done, but a match may still be pending
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
