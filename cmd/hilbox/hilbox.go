// Program hilbox is a command-line utility for finding, calling, and updating
// hilbox devices on the local network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/hilbox"
	"github.com/creachadair/hilbox/discovery"
	"github.com/creachadair/hilbox/firmware"
	"github.com/creachadair/hilbox/identity"
	"github.com/creachadair/hilbox/internal/config"
	"github.com/creachadair/hilbox/internal/logging"
	"github.com/creachadair/hilbox/peers"
	"github.com/pterm/pterm"
)

var flags struct {
	Config  string        `flag:"config,Host configuration file (default: user config directory)"`
	Debug   bool          `flag:"debug,Log packets and other debug details"`
	Timeout time.Duration `flag:"timeout,Overall time limit for the command (0 means none)"`
}

var deployFlags struct {
	Raw bool `flag:"raw,Send the file as-is rather than compressing it"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for interacting with hilbox devices.

A device is named either by its identity (32 hex digits) or by an alias
from the [boxes] table of the host configuration file.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Commands: []*command.C{
			{
				Name:  "resolve",
				Usage: "<box>",
				Help:  "Find the network address of a device.",
				Run:   runResolve,
			},
			{
				Name:  "ping",
				Usage: "<box>",
				Help:  "Call the ping method of a device and report the round trip time.",
				Run:   runPing,
			},
			{
				Name:  "methods",
				Usage: "<box>",
				Help:  "List the methods a device supports.",
				Run:   runMethods,
			},
			{
				Name:  "call",
				Usage: "<box> <method> [name=value ...]",
				Help: `Call a method of a device and print its result.

Each parameter is given as name=value. A value that is valid JSON is sent as
the decoded value (so 5 is an integer and "5" is a string); any other value
is sent as a string. Parameters are sent in the order given.`,
				Run: runCall,
			},
			{
				Name:  "deploy",
				Usage: "<box> <image-file>",
				Help: `Send a firmware image to a device.

The image is compressed before it is sent unless -raw is set. On success the
device commits the image and restarts.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &deployFlags) },
				Run:      runDeploy,
			},
			{
				Name: "id",
				Help: "Print a new random device identity.",
				Run: func(env *command.Env) error {
					id, err := identity.New()
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads the host configuration and returns a context for the command
// along with its cancel function.
func setup() (context.Context, context.CancelFunc, *config.Host, error) {
	if flags.Debug {
		logging.EnableDebug()
	}
	path, missingOK := flags.Config, false
	if path == "" {
		path, missingOK = config.DefaultHostPath(), true
	}
	cfg, err := config.LoadHost(path, missingOK)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	if flags.Timeout > 0 {
		tctx, tcancel := context.WithTimeout(ctx, flags.Timeout)
		return tctx, func() { tcancel(); cancel() }, cfg, nil
	}
	return ctx, cancel, cfg, nil
}

// dial resolves the named box and returns a session to it.
func dial(ctx context.Context, cfg *config.Host, box string, opts *hilbox.Options) (*hilbox.Session, error) {
	id, err := cfg.Lookup(box)
	if err != nil {
		return nil, err
	}
	s, err := peers.Dial(ctx, cfg.Resolver(discovery.MDNS{}), id, opts)
	if err != nil {
		return nil, err
	}
	logging.Debug("dialed", "box", box, "id", id, "addr", s.Addr())
	if flags.Debug {
		s.LogPackets(logging.Packets("host"))
	}
	return s, nil
}

func runResolve(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	id, err := cfg.Lookup(env.Args[0])
	if err != nil {
		return err
	}
	addr, err := cfg.Resolver(discovery.MDNS{}).Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve %v: %w", id, err)
	}
	fmt.Println(addr)
	return nil
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	s, err := dial(ctx, cfg, env.Args[0], cfg.Options())
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	rsp, err := s.Call(ctx, "ping", nil)
	if err != nil {
		return err
	}
	fmt.Printf("%v from %v in %v\n", rsp, s.Addr(), time.Since(start).Round(time.Microsecond))
	return nil
}

func runMethods(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	s, err := dial(ctx, cfg, env.Args[0], cfg.Options())
	if err != nil {
		return err
	}
	defer s.Close()

	var names []string
	if err := s.CallInto(ctx, hilbox.MethodList, nil, &names); err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("Missing box and method name")
	}
	params, err := parseParams(env.Args[2:])
	if err != nil {
		return env.Usagef("%v", err)
	}
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	s, err := dial(ctx, cfg, env.Args[0], cfg.Options())
	if err != nil {
		return err
	}
	defer s.Close()

	rsp, err := s.Call(ctx, env.Args[1], params)
	var cerr *hilbox.CallError
	if errors.As(err, &cerr) {
		return fmt.Errorf("%s: %w", env.Args[1], err)
	} else if err != nil {
		return err
	}
	out, err := formatResult(rsp)
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	fmt.Println(out)
	return nil
}

func runDeploy(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Wrong number of arguments")
	}
	image, err := os.ReadFile(env.Args[1])
	if err != nil {
		return err
	}
	if !deployFlags.Raw {
		image, err = firmware.Pack(image)
		if err != nil {
			return fmt.Errorf("pack image: %w", err)
		}
	}
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	pterm.Info.Printfln("Image %s: %d bytes, sha256 %s", env.Args[1], len(image), firmware.Digest(image))

	bar, err := pterm.DefaultProgressbar.WithTotal(max(len(image), 1)).WithTitle("Deploying").Start()
	if err != nil {
		return err
	}
	last := 0
	opts := cfg.Options()
	opts.Progress = func(sent, total int) {
		bar.Add(sent - last)
		last = sent
	}

	s, err := dial(ctx, cfg, env.Args[0], opts)
	if err != nil {
		bar.Stop()
		return err
	}
	defer s.Close()

	start := time.Now()
	err = s.SendFirmware(ctx, image)
	bar.Stop()
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Deployed %d bytes to %v in %v; the device is restarting",
		len(image), s.Addr(), time.Since(start).Round(time.Millisecond))
	return nil
}
