package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"streamchain/crypto"
	"streamchain/rpc"
	"streamchain/sdk/streams"
)

const requestTimeout = 30 * time.Second

// client builds an SDK client. Signed commands load the keystore; a missing
// keystore falls back to the keeper token when allowKeeper is set.
func (g *globals) client(signed, allowKeeper bool) (*streams.Client, error) {
	var opts []streams.Option
	if signed {
		key, err := g.loadKey()
		switch {
		case err == nil:
			opts = append(opts, streams.WithSigner(key))
		case allowKeeper && errors.Is(err, os.ErrNotExist) && strings.TrimSpace(os.Getenv(keeperJWTEnv)) != "":
			opts = append(opts, streams.WithKeeperToken(strings.TrimSpace(os.Getenv(keeperJWTEnv))))
		default:
			return nil, err
		}
	}
	return streams.New(g.endpoint, opts...)
}

func (g *globals) loadKey() (*crypto.PrivateKey, error) {
	if _, err := os.Stat(g.keystore); err != nil {
		return nil, fmt.Errorf("keystore %s: %w", g.keystore, err)
	}
	pass, err := g.secrets.Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(g.keystore, pass)
}

func runCreate(g *globals, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var params streams.CreateParams
	fs.StringVar(&params.Payee, "payee", "", "payee bech32 address")
	fs.Uint64Var(&params.RatePerSecond, "rate", 0, "units paid per second")
	fs.DurationVar(&params.MaxDuration, "max-duration", 0, "maximum billable duration, e.g. 1h")
	fs.DurationVar(&params.GracePeriod, "grace", 0, "grace period")
	fs.BoolVar(&params.AutoTerminate, "auto-terminate", true, "complete the stream once escrow is exhausted")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(params.Payee) == "" {
		return printError(stderr, errors.New("--payee is required"))
	}
	if params.RatePerSecond == 0 {
		return printError(stderr, errors.New("--rate must be positive"))
	}
	if params.MaxDuration < time.Second {
		return printError(stderr, errors.New("--max-duration must be at least 1s"))
	}
	return withClient(g, true, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.Create(ctx, params)
	})
}

func runTransition(g *globals, op string, args []string, stdout, stderr io.Writer) int {
	id, ok := streamArg(op, args, stderr)
	if !ok {
		return 1
	}
	return withClient(g, true, op == "tick", stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		switch op {
		case "start":
			return c.Start(ctx, id)
		case "tick":
			return c.Tick(ctx, id)
		case "pause":
			return c.Pause(ctx, id)
		case "resume":
			return c.Resume(ctx, id)
		case "cancel":
			return c.Cancel(ctx, id)
		default:
			return c.Dispute(ctx, id)
		}
	})
}

func runTerminate(g *globals, args []string, stdout, stderr io.Writer) int {
	id, rest, ok := splitID("terminate", args, stderr)
	if !ok {
		return 1
	}
	fs := newFlagSet("terminate", stderr)
	reason := fs.String("reason", "", "termination reason")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	return withClient(g, true, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.Terminate(ctx, id, *reason)
	})
}

func runTopUp(g *globals, args []string, stdout, stderr io.Writer) int {
	id, rest, ok := splitID("topup", args, stderr)
	if !ok {
		return 1
	}
	fs := newFlagSet("topup", stderr)
	amount := fs.Uint64("amount", 0, "units to add to escrow")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if *amount == 0 {
		return printError(stderr, errors.New("--amount must be positive"))
	}
	return withClient(g, true, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.TopUp(ctx, id, *amount)
	})
}

func runLink(g *globals, args []string, stdout, stderr io.Writer) int {
	id, rest, ok := splitID("link", args, stderr)
	if !ok {
		return 1
	}
	fs := newFlagSet("link", stderr)
	task := fs.String("task", "", "32-byte hex task id")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if _, err := rpc.ParseID(*task); err != nil {
		return printError(stderr, fmt.Errorf("--task: %w", err))
	}
	return withClient(g, true, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.LinkTask(ctx, id, *task)
	})
}

func runResolve(g *globals, args []string, stdout, stderr io.Writer) int {
	id, rest, ok := splitID("resolve", args, stderr)
	if !ok {
		return 1
	}
	fs := newFlagSet("resolve", stderr)
	outcome := fs.String("outcome", "", "release or refund")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if *outcome == "" {
		return printError(stderr, errors.New("--outcome is required"))
	}
	return withClient(g, true, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.ResolveDispute(ctx, id, *outcome)
	})
}

func runGet(g *globals, args []string, stdout, stderr io.Writer) int {
	id, ok := streamArg("get", args, stderr)
	if !ok {
		return 1
	}
	return withClient(g, false, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.Get(ctx, id)
	})
}

func runList(g *globals, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	limit := fs.Int("limit", 100, "maximum streams to return")
	after := fs.String("after", "", "only list streams with ids after this one")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return withClient(g, false, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		list, err := c.ListActive(ctx, *after, *limit)
		if err != nil {
			return nil, err
		}
		return rpc.StreamListResponse{Streams: list}, nil
	})
}

func runBalance(g *globals, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		return printError(stderr, errors.New("usage: balance <address>"))
	}
	if _, err := crypto.ParseAddress(args[0]); err != nil {
		return printError(stderr, err)
	}
	return withClient(g, false, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.Account(ctx, args[0])
	})
}

func runStats(g *globals, stdout, stderr io.Writer) int {
	return withClient(g, false, false, stdout, stderr, func(ctx context.Context, c *streams.Client) (interface{}, error) {
		return c.Stats(ctx)
	})
}

func withClient(g *globals, signed, allowKeeper bool, stdout, stderr io.Writer, call func(context.Context, *streams.Client) (interface{}, error)) int {
	c, err := g.client(signed, allowKeeper)
	if err != nil {
		return printError(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := call(ctx, c)
	if err != nil {
		return printError(stderr, err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return printError(stderr, err)
	}
	return 0
}

func streamArg(op string, args []string, stderr io.Writer) (string, bool) {
	if len(args) != 1 {
		printError(stderr, fmt.Errorf("usage: %s <stream-id>", op))
		return "", false
	}
	if _, err := rpc.ParseID(args[0]); err != nil {
		printError(stderr, err)
		return "", false
	}
	return args[0], true
}

// splitID takes the leading positional stream id off args so flags may
// follow it.
func splitID(op string, args []string, stderr io.Writer) (string, []string, bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		printError(stderr, fmt.Errorf("usage: %s <stream-id> [flags]", op))
		return "", nil, false
	}
	id, ok := streamArg(op, args[:1], stderr)
	return id, args[1:], ok
}
