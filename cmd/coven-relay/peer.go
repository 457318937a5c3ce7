// ABOUTME: Client subcommands that join a running relay as a websocket UI peer
// ABOUTME: options get --local instead reads the shared storage file as a readiness follower

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/catalog"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/wsnet"
)

const (
	dialTimeout      = 5 * time.Second
	localWaitTimeout = 30 * time.Second
)

// dialRelay connects to the relay in cfg as a UI peer. With auth enabled
// the token is minted from the configured secret.
func dialRelay(ctx context.Context, cfg *config.Config) (*wsnet.Conn, error) {
	dest := transport.UI("cli-" + uuid.NewString()[:8])

	dc := wsnet.DialConfig{
		URL:     fmt.Sprintf("ws://%s%s", cfg.Server.HTTPAddr, cfg.Server.WSPath),
		Dest:    dest,
		Timeout: cfg.RPC.PeerTimeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := wsnet.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		token, err := verifier.Generate(dest, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
		dc.Token = token
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := wsnet.Dial(ctx, dc)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", dc.URL, err)
	}
	return conn, nil
}

// withClient loads the config, dials the relay and runs fn with a client
// addressed to the background.
func withClient(ctx context.Context, fn func(*bus.Client) error) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	conn, err := dialRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := bus.NewClient(bus.ClientConfig{
		Transport: conn,
		Timeout:   cfg.RPC.Timeout,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return fn(client)
}

// callArgs is the parsed form of: call <method> [json-input] [--silent]
type callArgs struct {
	method string
	input  json.RawMessage
	silent bool
}

func parseCallArgs(args []string) (callArgs, error) {
	var out callArgs
	var positional []string
	for _, arg := range args {
		switch {
		case arg == "--silent" || arg == "-s":
			out.silent = true
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			return out, fmt.Errorf("unknown flag: %s", arg)
		default:
			positional = append(positional, arg)
		}
	}
	switch len(positional) {
	case 0:
		return out, fmt.Errorf("method is required")
	case 1:
	case 2:
		if !json.Valid([]byte(positional[1])) {
			return out, fmt.Errorf("input is not valid JSON: %s", positional[1])
		}
		out.input = json.RawMessage(positional[1])
	default:
		return out, fmt.Errorf("unexpected argument: %s", positional[2])
	}
	out.method = positional[0]
	return out, nil
}

func runCall(ctx context.Context, args []string) error {
	ca, err := parseCallArgs(args)
	if err != nil {
		return err
	}
	var opts []bus.CallOption
	if ca.silent {
		opts = append(opts, bus.WithSilent())
	}

	return withClient(ctx, func(c *bus.Client) error {
		var input any
		if ca.input != nil {
			input = ca.input
		}
		res, err := c.Call(ctx, ca.method, input, opts...)
		if err != nil {
			return describeCallError(err)
		}
		return printResult(res.Data, res.Context)
	})
}

// describeCallError turns bus failures into messages for the terminal.
func describeCallError(err error) error {
	var remote *bus.RemoteError
	switch {
	case errors.Is(err, bus.ErrIgnored):
		color.Yellow("declined: the relay ignored the request")
		return nil
	case errors.Is(err, bus.ErrUnknownMethod):
		return fmt.Errorf("%w (see `coven-relay status` for the method list)", err)
	case errors.As(err, &remote):
		return fmt.Errorf("relay error: %s", remote.Message)
	case errors.Is(err, bus.ErrNoResponse):
		return fmt.Errorf("no handler answered: %w", err)
	default:
		return err
	}
}

func printResult(data json.RawMessage, rctx bus.Context) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decoding output: %w", err)
	}
	if err := printJSON(v); err != nil {
		return err
	}
	if len(rctx) > 0 {
		gray := color.New(color.FgHiBlack)
		raw, err := json.Marshal(rctx)
		if err != nil {
			return err
		}
		gray.Printf("context: %s\n", raw)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runOptions(ctx context.Context, args []string) error {
	sub := "get"
	if len(args) > 0 {
		sub = args[0]
	}
	if sub == "get" && len(args) > 1 {
		if args[1] != "--local" {
			return fmt.Errorf("unexpected argument: %s", args[1])
		}
		return runLocalOptions(ctx)
	}

	return withClient(ctx, func(c *bus.Client) error {
		bg := catalog.NewBackgroundClient(c)
		switch sub {
		case "get":
			opts, rctx, err := bg.GetOptions(ctx)
			if err != nil {
				return describeCallError(err)
			}
			if err := printJSON(opts); err != nil {
				return err
			}
			if v, ok := rctx[catalog.ContextOptionsVersion]; ok {
				color.New(color.FgHiBlack).Printf("version: %v\n", v)
			}
			return nil
		case "update":
			if len(args) < 2 {
				return fmt.Errorf("options update requires a JSON object")
			}
			var patch catalog.Patch
			if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
				return fmt.Errorf("options update requires a JSON object: %w", err)
			}
			opts, err := bg.UpdateOptions(ctx, patch)
			if err != nil {
				return describeCallError(err)
			}
			return printJSON(opts)
		case "reset":
			opts, err := bg.ResetOptions(ctx)
			if err != nil {
				return describeCallError(err)
			}
			color.Green("  ✓ Options reset")
			return printJSON(opts)
		case "provider":
			if len(args) < 2 {
				active, err := bg.GetActiveProvider(ctx)
				if err != nil {
					return describeCallError(err)
				}
				fmt.Println(active)
				return nil
			}
			changed, err := bg.SetActiveProvider(ctx, args[1])
			if err != nil {
				return describeCallError(err)
			}
			if changed {
				color.Green("  ✓ Active provider: %s", args[1])
			} else {
				fmt.Printf("  Active provider unchanged: %s\n", args[1])
			}
			return nil
		default:
			return fmt.Errorf("unknown options command: %s (get, update, reset, provider)", sub)
		}
	})
}

// runLocalOptions reads the options straight from the relay's storage file
// as a follower, waiting until the relay has finished its migrations.
func runLocalOptions(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f, err := relay.OpenFollower(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer f.Close()

	if !f.Ready() {
		color.Yellow("waiting for the relay to stamp version %s...", cfg.Extension.Version)
	}
	ctx, cancel := context.WithTimeout(ctx, localWaitTimeout)
	defer cancel()

	rec, ok, err := f.Record(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("relay did not become ready within %s", localWaitTimeout)
	}
	if err != nil {
		return err
	}
	opts, err := f.Options(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(opts); err != nil {
		return err
	}
	if ok {
		color.New(color.FgHiBlack).Printf("version: %d\n", rec.Version)
	}
	return nil
}

func runStatus(ctx context.Context) error {
	return withClient(ctx, func(c *bus.Client) error {
		status, err := catalog.NewBackgroundClient(c).Status(ctx)
		if err != nil {
			return describeCallError(err)
		}

		green := color.New(color.FgGreen)
		yellow := color.New(color.FgYellow)

		green.Print("    ▶ ")
		fmt.Printf("Version:   %s\n", status.Version)
		green.Print("    ▶ ")
		fmt.Print("Ready:     ")
		if status.Ready {
			green.Println("yes")
		} else {
			yellow.Println("no")
		}
		green.Print("    ▶ ")
		fmt.Printf("Stamp:     %s\n", status.Stamp)
		green.Print("    ▶ ")
		fmt.Printf("Peers:     %d\n", len(status.Peers))
		for _, p := range status.Peers {
			fmt.Printf("                 %s\n", p)
		}
		green.Print("    ▶ ")
		fmt.Printf("Methods:   %s\n", strings.Join(status.Methods, ", "))
		return nil
	})
}

// runProbe parses: probe [--tab N] [--url PATTERN]
func runProbe(ctx context.Context, args []string) error {
	var req catalog.ProbeRequest
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--tab", "--url":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			val := args[i+1]
			i++
			if arg == "--url" {
				req.URL = val
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("--tab must be a number: %w", err)
			}
			req.TabID = n
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	return withClient(ctx, func(c *bus.Client) error {
		info, err := catalog.NewBackgroundClient(c).ProbeContent(ctx, req)
		if err != nil {
			return describeCallError(err)
		}
		return printJSON(info)
	})
}
