// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package discovery_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/identity"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func mustID(t *testing.T) identity.ID {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("New identity: %v", err)
	}
	return id
}

type browseFunc func(context.Context, chan<- discovery.Advert) error

func (b browseFunc) Browse(ctx context.Context, ads chan<- discovery.Advert) error { return b(ctx, ads) }

func TestAdvert(t *testing.T) {
	id := mustID(t)
	ad := discovery.Advert{ID: id.String(), Addr: net.IPv4(10, 0, 0, 5)}
	if !ad.Matches(id) {
		t.Errorf("Matches(%v): got false, want true", id)
	}
	if other := mustID(t); ad.Matches(other) {
		t.Errorf("Matches(%v): got true, want false", other)
	}
	if got := ad.UDPAddr().Port; got != discovery.DefaultPort {
		t.Errorf("UDPAddr port: got %d, want %d", got, discovery.DefaultPort)
	}
	ad.Port = 4242
	if got := ad.UDPAddr().Port; got != 4242 {
		t.Errorf("UDPAddr port: got %d, want 4242", got)
	}
	if got, want := discovery.InstanceName(id), "hilbox-"+id.String()[:6]; got != want {
		t.Errorf("InstanceName: got %q, want %q", got, want)
	}
}

func TestResolve(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			want, other := mustID(t), mustID(t)

			var reg discovery.Registry
			reg.Advertise(discovery.Advert{ID: other.String(), Addr: net.IPv4(10, 0, 0, 9), Port: 1000})
			reg.Advertise(discovery.Advert{ID: want.String(), Addr: net.IPv4(10, 0, 0, 5), Port: 4242})

			r := &discovery.Resolver{Browser: &reg}
			addr, err := r.Resolve(t.Context(), want)
			if err != nil {
				t.Fatalf("Resolve: unexpected error: %v", err)
			}
			if diff := cmp.Diff(addr.String(), "10.0.0.5:4242"); diff != "" {
				t.Errorf("Resolve address (-got, +want):\n%s", diff)
			}
		})
	})

	t.Run("DefaultPort", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			id := mustID(t)
			var reg discovery.Registry
			reg.Advertise(discovery.Advert{ID: id.String(), Addr: net.IPv4(192, 168, 1, 20)})

			addr, err := (&discovery.Resolver{Browser: &reg}).Resolve(t.Context(), id)
			if err != nil {
				t.Fatalf("Resolve: unexpected error: %v", err)
			}
			if addr.Port != discovery.DefaultPort {
				t.Errorf("Resolve port: got %d, want %d", addr.Port, discovery.DefaultPort)
			}
		})
	})

	t.Run("Late", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			id := mustID(t)
			var reg discovery.Registry
			time.AfterFunc(time.Second, func() {
				reg.Advertise(discovery.Advert{ID: id.String(), Addr: net.IPv4(10, 1, 1, 1), Port: 7000})
			})

			start := time.Now()
			r := &discovery.Resolver{Browser: &reg}
			addr, err := r.Resolve(t.Context(), id)
			if err != nil {
				t.Fatalf("Resolve: unexpected error: %v", err)
			}
			if addr.Port != 7000 {
				t.Errorf("Resolve: got %v, want port 7000", addr)
			}
			// The match is noticed at the first poll after it arrives.
			if elapsed := time.Since(start); elapsed < time.Second || elapsed > time.Second+discovery.DefaultPoll {
				t.Errorf("Resolve took %v, want about 1s", elapsed)
			}
		})
	})

	t.Run("Timeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var reg discovery.Registry
			reg.Advertise(discovery.Advert{ID: mustID(t).String(), Addr: net.IPv4(10, 0, 0, 1)})

			start := time.Now()
			r := &discovery.Resolver{Browser: &reg}
			addr, err := r.Resolve(t.Context(), mustID(t))
			if !errors.Is(err, discovery.ErrTimeout) {
				t.Fatalf("Resolve: got (%v, %v), want %v", addr, err, discovery.ErrTimeout)
			}
			if elapsed := time.Since(start); elapsed != discovery.DefaultTimeout {
				t.Errorf("Resolve took %v, want %v", elapsed, discovery.DefaultTimeout)
			}
		})
	})

	t.Run("Withdrawn", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			id := mustID(t)
			var reg discovery.Registry
			reg.Advertise(discovery.Advert{ID: id.String(), Addr: net.IPv4(10, 0, 0, 1)}).Close()

			r := &discovery.Resolver{Browser: &reg, Timeout: 500 * time.Millisecond}
			if addr, err := r.Resolve(t.Context(), id); !errors.Is(err, discovery.ErrTimeout) {
				t.Errorf("Resolve: got (%v, %v), want %v", addr, err, discovery.ErrTimeout)
			}
		})
	})

	t.Run("BrowseError", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			bad := errors.New("no multicast for you")
			r := &discovery.Resolver{Browser: browseFunc(func(context.Context, chan<- discovery.Advert) error {
				return bad
			})}
			if addr, err := r.Resolve(t.Context(), mustID(t)); !errors.Is(err, bad) {
				t.Errorf("Resolve: got (%v, %v), want %v", addr, err, bad)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			time.AfterFunc(time.Second, cancel)

			var reg discovery.Registry
			r := &discovery.Resolver{Browser: &reg}
			if addr, err := r.Resolve(ctx, mustID(t)); !errors.Is(err, context.Canceled) {
				t.Errorf("Resolve: got (%v, %v), want %v", addr, err, context.Canceled)
			}
		})
	})
}

func TestRegistryBrowse(t *testing.T) {
	defer leaktest.Check(t)()

	var reg discovery.Registry
	first := discovery.Advert{Instance: "one", ID: "01", Addr: net.IPv4(10, 0, 0, 1)}
	reg.Advertise(first)

	ctx, cancel := context.WithCancel(context.Background())
	ads := make(chan discovery.Advert)
	done := make(chan error, 1)
	go func() { done <- reg.Browse(ctx, ads) }()

	if got := <-ads; got.Instance != "one" {
		t.Errorf("Browse: got %+v, want %+v", got, first)
	}
	second := discovery.Advert{Instance: "two", ID: "02", Addr: net.IPv4(10, 0, 0, 2)}
	reg.Advertise(second)
	if got := <-ads; got.Instance != "two" {
		t.Errorf("Browse: got %+v, want %+v", got, second)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Browse: unexpected error: %v", err)
	}
}
