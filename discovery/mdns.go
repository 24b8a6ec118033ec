// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/creachadair/hilbox/identity"
	"github.com/hashicorp/mdns"
)

// DefaultWindow is the default duration of one MDNS query cycle.
const DefaultWindow = time.Second

// MDNS is a Browser that issues repeated multicast DNS queries for Service.
// Advertisements are reported as soon as they are received, so the window
// only bounds how often a query is repeated.
type MDNS struct {
	// If set, query only on this interface.
	Interface *net.Interface

	// The duration of one query cycle. If zero, use DefaultWindow.
	Window time.Duration
}

// Browse implements the [Browser] interface.
func (m MDNS) Browse(ctx context.Context, ads chan<- Advert) error {
	window := m.Window
	if window <= 0 {
		window = DefaultWindow
	}
	for ctx.Err() == nil {
		entries := make(chan *mdns.ServiceEntry, 16)
		errc := make(chan error, 1)
		go func() {
			defer close(entries)
			errc <- mdns.Query(&mdns.QueryParam{
				Service:   Service,
				Domain:    strings.TrimSuffix(Domain, "."),
				Timeout:   window,
				Interface: m.Interface,
				Entries:   entries,
			})
		}()

		// A query cannot be interrupted, so drain it even if ctx ends.
		for e := range entries {
			ad, ok := advertFromEntry(e)
			if !ok {
				continue
			}
			select {
			case ads <- ad:
			case <-ctx.Done():
			}
		}
		if err := <-errc; err != nil {
			return fmt.Errorf("mdns query: %w", err)
		}
	}
	return nil
}

// advertFromEntry converts a service entry to an Advert, and reports whether
// it is a usable advertisement of Service.
func advertFromEntry(e *mdns.ServiceEntry) (Advert, bool) {
	suffix := "." + Service + "."
	i := strings.Index(e.Name, suffix)
	if i <= 0 {
		return Advert{}, false
	}
	ad := Advert{
		Instance: unescape(e.Name[:i]),
		Port:     e.Port,
	}
	for _, f := range e.InfoFields {
		if k, v, ok := strings.Cut(f, "="); ok && strings.EqualFold(k, TXTKey) {
			ad.ID = strings.ToLower(v)
		}
	}
	switch {
	case e.AddrV4 != nil:
		ad.Addr = e.AddrV4
	case e.AddrV6 != nil:
		ad.Addr = e.AddrV6
	default:
		ad.Addr = e.Addr
	}
	return ad, ad.ID != "" && ad.Addr != nil
}

// unescape removes DNS label escapes from an instance name.
func unescape(s string) string { return strings.ReplaceAll(s, `\`, "") }

// Config describes a device to advertise.
type Config struct {
	ID   identity.ID // required
	Port int         // required

	// The service instance name. If empty, use InstanceName(ID).
	Instance string

	// The host name and addresses to advertise. If HostName is empty, the
	// system host name is used. If IPs is empty, the addresses of the host
	// name are looked up.
	HostName string
	IPs      []net.IP

	// If set, respond only on this interface.
	Interface *net.Interface
}

// An Advertiser publishes a device on multicast DNS until it is closed.
type Advertiser struct {
	srv *mdns.Server
}

// Advertise starts publishing the device described by cfg.
func Advertise(cfg Config) (*Advertiser, error) {
	if cfg.ID.IsZero() {
		return nil, errors.New("advertise: missing identity")
	} else if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("advertise: invalid port %d", cfg.Port)
	}
	instance := cfg.Instance
	if instance == "" {
		instance = InstanceName(cfg.ID)
	}
	host := cfg.HostName
	if host != "" && !strings.HasSuffix(host, ".") {
		host += "."
	}
	svc, err := mdns.NewMDNSService(instance, Service, Domain, host, cfg.Port, cfg.IPs,
		[]string{TXTKey + "=" + cfg.ID.String()})
	if err != nil {
		return nil, fmt.Errorf("advertise: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc, Iface: cfg.Interface})
	if err != nil {
		return nil, fmt.Errorf("advertise: %w", err)
	}
	return &Advertiser{srv: srv}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() error { return a.srv.Shutdown() }
