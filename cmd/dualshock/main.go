// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program dualshock is a command-line utility for serving and calling
// dualshock peers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/catalog"
	"github.com/creachadair/dualshock/channel"
	"github.com/creachadair/dualshock/peers"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"
)

var clientFlags struct {
	Address string        `flag:"addr,default=localhost:7400,Service address (host:port or socket path)"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for the request"`
	Bind    bool          `flag:"bind,Fetch the remote catalog and check requests against it"`
	Verbose bool          `flag:"v,Log packets and connection activity"`
}

func main() {
	clientSet := command.Flags(flax.MustBind, &clientFlags)
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for serving and calling dualshock peers.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[flags]",
				Help: `Run the demonstration service.

Settings are read from the TOML file given by -config, if any, and flags that
are set override them. The configuration keys are:

  address        service address (host:port or socket path)
  log_level      log level (debug, info, warn, error)
  expose_stacks  include panic stacks in error responses
  rate_limit     requests per second across all clients (0 means unlimited)
  rate_burst     rate limit burst size
  queue_size     inbound requests queued per connection (0 means unlimited)
`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "[flags] <method> [json-args]",
				Help:     "Invoke a procedure on a remote peer and print its result.",
				SetFlags: clientSet,
				Run:      runCall,
			},
			{
				Name:     "emit",
				Usage:    "[flags] <event> [json-payload]",
				Help:     "Send an event to a remote peer and wait for acknowledgement.",
				SetFlags: clientSet,
				Run:      runEmit,
			},
			{
				Name:     "catalog",
				Usage:    "[flags]",
				Help:     "Fetch and print the catalog of a remote peer.",
				SetFlags: clientSet,
				Run:      runCatalog,
			},
			{
				Name:  "decode",
				Usage: "[frame]",
				Help: `Decode a packet frame and print it.

If no frame is given on the command line, it is read from stdin.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := serveConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg.LogLevel)

	lst, err := net.Listen(dualshock.SplitAddress(cfg.Address))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Str("addr", lst.Addr().String()).Msg("service started")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := peers.NewServer(newService(cfg, log)).LogTo(log).ExposeStacks(cfg.ExposeStacks).
		Setup(func(c *dualshock.Connection) { c.QueueSize(cfg.QueueSize) })
	err = srv.Serve(ctx, peers.NetAccepter(lst))
	log.Info().Err(err).Msg("service stopped")
	return err
}

// dial connects to the remote peer named by the client flags.
func dial(ctx context.Context) (*dualshock.Connection, error) {
	level := zerolog.WarnLevel
	if clientFlags.Verbose {
		level = zerolog.DebugLevel
	}
	log := newLogger(os.Stderr, level)

	var d net.Dialer
	network, addr := dualshock.SplitAddress(clientFlags.Address)
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn := dualshock.NewConnection(nil).LogTo(log)
	if clientFlags.Verbose {
		conn.LogPackets(func(pkt dualshock.PacketInfo) { log.Debug().Msg(pkt.String()) })
	}
	conn.Start(channel.IO(nc, nc))
	if clientFlags.Bind {
		cat, err := catalog.Fetch(ctx, conn)
		if err != nil {
			conn.Stop()
			return nil, err
		}
		cat.Bind(conn)
	}
	return conn, nil
}

// parseArgs parses the remaining arguments as a name and an optional JSON
// value.
func parseArgs(env *command.Env) (string, any, error) {
	if len(env.Args) == 0 {
		return "", nil, env.Usagef("missing name")
	} else if len(env.Args) > 2 {
		return "", nil, env.Usagef("extra arguments: %q", env.Args[2:])
	}
	if len(env.Args) == 1 {
		return env.Args[0], nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(env.Args[1]), &v); err != nil {
		return "", nil, fmt.Errorf("invalid JSON argument: %w", err)
	}
	return env.Args[0], v, nil
}

func runCall(env *command.Env) error {
	name, args, err := parseArgs(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientFlags.Timeout)
	defer cancel()
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	result, err := conn.Invoke(ctx, name, args)
	if err != nil {
		return describe(err)
	}
	return printJSON(os.Stdout, result)
}

func runEmit(env *command.Env) error {
	name, payload, err := parseArgs(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientFlags.Timeout)
	defer cancel()
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	if err := conn.Emit(ctx, name, payload); err != nil {
		return describe(err)
	}
	return nil
}

func runCatalog(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientFlags.Timeout)
	defer cancel()
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	cat, err := catalog.Fetch(ctx, conn)
	if err != nil {
		return describe(err)
	}
	data, err := cat.Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runDecode(env *command.Env) error {
	var frame []byte
	switch len(env.Args) {
	case 0:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		frame = data
	case 1:
		frame = []byte(env.Args[0])
	default:
		return env.Usagef("extra arguments: %q", env.Args[1:])
	}
	pkt, err := dualshock.DecodePacket([]byte(strings.TrimSpace(string(frame))))
	if err != nil {
		return err
	}
	fmt.Println(pkt.String())
	return printJSON(os.Stdout, pkt)
}

// describe expands the failure reported by a call into a message for the
// user.
func describe(err error) error {
	var ve *dualshock.ValidationError
	if errors.As(err, &ve) {
		var sb strings.Builder
		sb.WriteString(err.Error())
		for _, is := range ve.Errors {
			fmt.Fprintf(&sb, "\n  %v", is)
		}
		return errors.New(sb.String())
	}
	var ed *dualshock.ErrorData
	if errors.As(err, &ed) && ed.Stack != "" {
		return fmt.Errorf("%w\n%s", err, ed.Stack)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
