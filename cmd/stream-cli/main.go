package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"streamchain/cmd/internal/passphrase"
	"streamchain/crypto"
)

const (
	endpointEnv   = "STREAM_RPC_URL"
	keystoreEnv   = "STREAM_KEYSTORE"
	passphraseEnv = "STREAM_KEYSTORE_PASSPHRASE"
	keeperJWTEnv  = "STREAM_KEEPER_TOKEN"

	defaultEndpoint = "http://127.0.0.1:8080"
	defaultKeystore = "wallet.keystore"
)

// globals carries flags shared by every subcommand.
type globals struct {
	endpoint string
	keystore string
	secrets  *passphrase.Source
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	g := &globals{
		endpoint: envOr(endpointEnv, defaultEndpoint),
		keystore: envOr(keystoreEnv, defaultKeystore),
		secrets:  passphrase.NewSource(passphraseEnv, "keystore"),
	}
	fs := flag.NewFlagSet("stream-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.endpoint, "rpc", g.endpoint, "streamd endpoint (env "+endpointEnv+")")
	fs.StringVar(&g.keystore, "keystore", g.keystore, "keystore file (env "+keystoreEnv+")")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	args = fs.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "generate-key":
		return runGenerateKey(g, args[1:], stdout, stderr)
	case "address":
		return runAddress(g, stdout, stderr)
	case "create":
		return runCreate(g, args[1:], stdout, stderr)
	case "start", "tick", "pause", "resume", "cancel", "dispute":
		return runTransition(g, args[0], args[1:], stdout, stderr)
	case "terminate":
		return runTerminate(g, args[1:], stdout, stderr)
	case "topup":
		return runTopUp(g, args[1:], stdout, stderr)
	case "link":
		return runLink(g, args[1:], stdout, stderr)
	case "resolve":
		return runResolve(g, args[1:], stdout, stderr)
	case "get":
		return runGet(g, args[1:], stdout, stderr)
	case "list":
		return runList(g, args[1:], stdout, stderr)
	case "balance":
		return runBalance(g, args[1:], stdout, stderr)
	case "stats":
		return runStats(g, stdout, stderr)
	case "help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runGenerateKey(g *globals, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	out := fs.String("out", g.keystore, "keystore file to write")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return printError(stderr, fmt.Errorf("%s already exists; pass --force to overwrite", *out))
	}
	pass, err := g.secrets.Get()
	if err != nil {
		return printError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "Saved key to %s\nAddress: %s\n", *out, key.PubKey().Address().String())
	return 0
}

func runAddress(g *globals, stdout, stderr io.Writer) int {
	addr, err := crypto.KeystoreAddress(g.keystore)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func usage() string {
	return strings.TrimSpace(`
Usage: stream-cli [--rpc URL] [--keystore FILE] <command> [args]

Keys:
  generate-key [--out FILE] [--force]   create an encrypted keystore
  address                               print the keystore address

Streams (signed with the keystore key):
  create --payee ADDR --rate N --max-duration D [--grace D] [--auto-terminate=false]
  start|tick|pause|resume|cancel|dispute <id>
  terminate <id> [--reason TEXT]
  topup <id> --amount N
  link <id> --task ID
  resolve <id> --outcome release|refund

Queries:
  get <id>
  list [--limit N] [--after ID]
  balance <address>
  stats

The keystore passphrase is read from ` + passphraseEnv + ` or prompted.
tick falls back to the keeper bearer token in ` + keeperJWTEnv + ` when no keystore exists.`)
}
