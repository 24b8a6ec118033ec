// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package discovery

import (
	"context"
	"io"
	"sync"
)

// Registry is an in-memory Browser. Devices published with Advertise are
// reported to every active browser, and to browsers started later until they
// are withdrawn. A zero Registry is ready for use.
type Registry struct {
	μ    sync.Mutex
	ads  map[*Advert]struct{}
	subs map[chan Advert]struct{}
}

// subQueue is the number of advertisements buffered for a browser. Updates
// beyond this are dropped, as on a real network.
const subQueue = 16

// Advertise publishes ad until the returned closer is closed.
func (r *Registry) Advertise(ad Advert) io.Closer {
	p := &ad
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.ads == nil {
		r.ads = make(map[*Advert]struct{})
	}
	r.ads[p] = struct{}{}
	for sub := range r.subs {
		select {
		case sub <- ad:
		default:
		}
	}
	return withdraw(func() {
		r.μ.Lock()
		defer r.μ.Unlock()
		delete(r.ads, p)
	})
}

type withdraw func()

func (w withdraw) Close() error { w(); return nil }

// Browse implements the [Browser] interface.
func (r *Registry) Browse(ctx context.Context, ads chan<- Advert) error {
	sub := make(chan Advert, subQueue)
	r.μ.Lock()
	if r.subs == nil {
		r.subs = make(map[chan Advert]struct{})
	}
	r.subs[sub] = struct{}{}
	var current []Advert
	for p := range r.ads {
		current = append(current, *p)
	}
	r.μ.Unlock()
	defer func() {
		r.μ.Lock()
		defer r.μ.Unlock()
		delete(r.subs, sub)
	}()

	for _, ad := range current {
		select {
		case ads <- ad:
		case <-ctx.Done():
			return nil
		}
	}
	for {
		select {
		case ad := <-sub:
			select {
			case ads <- ad:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
