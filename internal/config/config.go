// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config loads TOML configuration files for the hilbox commands.
//
// A host configuration looks like:
//
//	discovery_timeout = "3s"
//	poll_interval = "100ms"
//	reply_timeout = "3s"
//	ack_timeout = "3s"
//	retries = 3
//	chunk_size = 1024
//
//	[boxes]
//	bench = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"
//
// A device configuration looks like:
//
//	port = 1337
//	state_dir = "/var/lib/hilbox"
//	image_name = "app.gz"
//	instance = "hilbox-bench"
//	handler_timeout = "1s"
//
// Durations use the syntax of time.ParseDuration. Omitted settings take the
// defaults of the corresponding library types.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/hilbox"
	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/identity"
	"github.com/pelletier/go-toml"
)

// Host is the configuration of the host tool.
type Host struct {
	DiscoveryTimeout string            `toml:"discovery_timeout"`
	PollInterval     string            `toml:"poll_interval"`
	ReplyTimeout     string            `toml:"reply_timeout"`
	AckTimeout       string            `toml:"ack_timeout"`
	Retries          int               `toml:"retries"`
	ChunkSize        int               `toml:"chunk_size"`
	Boxes            map[string]string `toml:"boxes"` // alias → identity
}

// Device is the configuration of the device daemon.
type Device struct {
	Port           int    `toml:"port"`
	StateDir       string `toml:"state_dir"`
	ImageName      string `toml:"image_name"`
	Instance       string `toml:"instance"`
	HandlerTimeout string `toml:"handler_timeout"`
}

// DefaultHostPath returns the default location of the host configuration:
// hilbox/config.toml in the user's configuration directory.
func DefaultHostPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hilbox", "config.toml")
}

// LoadHost reads a host configuration from path. If the file does not exist
// and missingOK is true, an empty configuration is returned.
func LoadHost(path string, missingOK bool) (*Host, error) {
	var h Host
	if err := load(path, missingOK, &h); err != nil {
		return nil, err
	}
	if err := h.check(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &h, nil
}

// LoadDevice reads a device configuration from path. If the file does not
// exist and missingOK is true, an empty configuration is returned.
func LoadDevice(path string, missingOK bool) (*Device, error) {
	var d Device
	if err := load(path, missingOK, &d); err != nil {
		return nil, err
	}
	if _, err := parseDuration("handler_timeout", d.HandlerTimeout); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	if d.Port < 0 || d.Port > 65535 {
		return nil, fmt.Errorf("config %q: invalid port %d", path, d.Port)
	}
	return &d, nil
}

func load(path string, missingOK bool, v any) error {
	if path == "" {
		if missingOK {
			return nil
		}
		return errors.New("no config path")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && missingOK {
		return nil
	} else if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config %q: %w", path, err)
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	} else if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration %v", name, d)
	}
	return d, nil
}

func (h *Host) check() error {
	for name, s := range map[string]string{
		"discovery_timeout": h.DiscoveryTimeout,
		"poll_interval":     h.PollInterval,
		"reply_timeout":     h.ReplyTimeout,
		"ack_timeout":       h.AckTimeout,
	} {
		if _, err := parseDuration(name, s); err != nil {
			return err
		}
	}
	if h.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk_size %d", h.ChunkSize)
	}
	for alias, s := range h.Boxes {
		if _, err := identity.Parse(s); err != nil {
			return fmt.Errorf("box %q: %w", alias, err)
		}
	}
	return nil
}

// Resolver returns a resolver using browser with the configured time bounds.
func (h *Host) Resolver(browser discovery.Browser) *discovery.Resolver {
	timeout, _ := parseDuration("discovery_timeout", h.DiscoveryTimeout)
	poll, _ := parseDuration("poll_interval", h.PollInterval)
	return &discovery.Resolver{Browser: browser, Timeout: timeout, Poll: poll}
}

// Options returns session options with the configured settings.
func (h *Host) Options() *hilbox.Options {
	reply, _ := parseDuration("reply_timeout", h.ReplyTimeout)
	ack, _ := parseDuration("ack_timeout", h.AckTimeout)
	return &hilbox.Options{
		ReplyTimeout: reply,
		AckTimeout:   ack,
		Retries:      h.Retries,
		ChunkSize:    h.ChunkSize,
	}
}

// Lookup returns the identity named by s, which is either an alias from the
// boxes table or an identity in hex form.
func (h *Host) Lookup(s string) (identity.ID, error) {
	if v, ok := h.Boxes[s]; ok {
		return identity.Parse(v)
	}
	id, err := identity.Parse(s)
	if err != nil {
		return identity.ID{}, fmt.Errorf("%q is not a known box or an identity", s)
	}
	return id, nil
}

// HandlerBound returns the configured bound for method handlers, or zero
// for the default.
func (d *Device) HandlerBound() time.Duration {
	v, _ := parseDuration("handler_timeout", d.HandlerTimeout)
	return v
}
