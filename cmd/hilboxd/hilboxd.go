// Program hilboxd runs a hilbox device peer on the local network.
//
// The daemon advertises itself with multicast DNS under a persistent
// identity, serves method calls, and accepts firmware updates. A committed
// image is written to the state directory, after which the daemon restarts
// its peer as a device would reboot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/firmware"
	"github.com/creachadair/hilbox/identity"
	"github.com/creachadair/hilbox/internal/config"
	"github.com/creachadair/hilbox/internal/logging"
	"github.com/creachadair/mds/value"
)

var flags struct {
	Config   string `flag:"config,Device configuration file"`
	Port     int    `flag:"port,UDP port to listen on (overrides the config)"`
	StateDir string `flag:"state-dir,Directory for the identity and firmware image (overrides the config)"`
	Debug    bool   `flag:"debug,Log packets and firmware progress"`
}

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "[options]",
		Help: `Run a hilbox device peer.

The device identity is created on first use and stored in the state
directory, along with the most recently committed firmware image.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Run:      runDaemon,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runDaemon(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	if flags.Debug {
		logging.EnableDebug()
	}
	cfg, err := config.LoadDevice(flags.Config, flags.Config == "")
	if err != nil {
		return err
	}
	dev, err := newDevice(cfg)
	if err != nil {
		logging.Error("device setup failed", "err", err)
		return err
	}
	logging.Info("device ready", "id", dev.id, "state", dev.stateDir, "port", dev.port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := dev.run(ctx); err != nil {
		logging.Error("device stopped", "id", dev.id, "err", err)
		return err
	}
	return nil
}

// newDevice constructs a device from cfg and the command-line flags, creating
// its state directory and identity if necessary.
func newDevice(cfg *config.Device) (*device, error) {
	dir := value.Cond(flags.StateDir != "", flags.StateDir, cfg.StateDir)
	if dir == "" {
		cdir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("no state directory: %w", err)
		}
		dir = filepath.Join(cdir, "hilboxd")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	id, err := identity.LoadOrCreate(identity.FileStore{Path: filepath.Join(dir, "uuid")})
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return &device{
		id:       id,
		stateDir: dir,
		port:     value.Cond(flags.Port != 0, flags.Port, value.Cond(cfg.Port != 0, cfg.Port, discovery.DefaultPort)),
		instance: cfg.Instance,
		htimeout: cfg.HandlerBound(),
		images:   firmware.DirStore{Dir: dir, Name: cfg.ImageName},
		debug:    flags.Debug,
	}, nil
}
