// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/creachadair/hilbox"
	"github.com/creachadair/hilbox/channel"
	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/firmware"
	"github.com/creachadair/hilbox/handler"
	"github.com/creachadair/hilbox/identity"
	"github.com/creachadair/hilbox/internal/logging"
	"github.com/creachadair/hilbox/peers"
)

// A device is the state of a simulated hilbox that persists across restarts.
type device struct {
	id       identity.ID
	stateDir string
	host     string // listen address; empty for all interfaces
	port     int
	instance string
	htimeout time.Duration
	images   firmware.DirStore
	debug    bool

	// If nil, the device is advertised with multicast DNS.
	advertise peers.Advertise

	boot  int
	start time.Time
}

// info is the result of the info method.
type info struct {
	ID        string `codec:"id"`
	Boot      int    `codec:"boot"`
	Uptime    string `codec:"uptime"`
	Platform  string `codec:"platform"`
	ImageSize int    `codec:"image_size"`
	Image     string `codec:"image_sha256,omitempty"`
}

// pong is the result of the ping method.
type pong struct {
	Pong bool `codec:"pong"`
}

type echoParams struct {
	Text string `codec:"text"`
}

// peer returns a new peer with the methods and image store of d.
func (d *device) peer() *hilbox.Peer {
	p := hilbox.NewPeer().
		Images(d.images).
		HandlerTimeout(d.htimeout).
		Handle("ping", handler.ResultOnly(func(context.Context) pong { return pong{Pong: true} })).
		Handle("info", handler.ResultError(d.info)).
		Handle("echo", handler.ParamResult(func(_ context.Context, p echoParams) string {
			return p.Text
		})).
		LogOTA(logging.OTA())
	if d.debug {
		p.LogPackets(logging.Packets("device"))
	}
	return p
}

func (d *device) info(context.Context) (info, error) {
	out := info{
		ID:       d.id.String(),
		Boot:     d.boot,
		Uptime:   time.Since(d.start).Round(time.Second).String(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	image, err := d.images.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	} else if err != nil {
		return info{}, fmt.Errorf("load image: %w", err)
	}
	out.ImageSize = len(image)
	out.Image = firmware.Digest(image)
	return out, nil
}

func (d *device) advertiser() peers.Advertise {
	if d.advertise != nil {
		return d.advertise
	}
	return peers.MDNS(discovery.Config{ID: d.id, Instance: d.instance})
}

// run serves the device until ctx ends. Each time a firmware image is
// committed, the peer is restarted with a new boot count.
func (d *device) run(ctx context.Context) error {
	for {
		d.start = time.Now()
		ch, err := channel.ListenUDP("udp", net.JoinHostPort(d.host, strconv.Itoa(d.port)))
		if err != nil {
			return err
		}
		var restart atomic.Bool
		p := d.peer().OnRestart(func() { restart.Store(true) })

		logging.Info("serving", "boot", d.boot, "addr", ch.LocalAddr())
		if err := peers.Serve(ctx, p, ch, d.advertiser()); err != nil {
			return err
		} else if !restart.Load() {
			return nil
		}
		d.boot++
		logging.Info("image committed; restarting", "path", d.images.Path(), "boot", d.boot)
	}
}
