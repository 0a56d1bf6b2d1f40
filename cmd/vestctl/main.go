package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jayteemoney/stacksvestor/cmd/internal/passphrase"
	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/rpc"
)

const (
	keystorePassEnv = "VEST_KEYSTORE_PASS"
	jwtSecretEnv    = "VEST_RPC_JWT_SECRET"
	rpcTokenEnv     = "VEST_RPC_TOKEN"
	rpcURLEnv       = "VEST_RPC_URL"
)

var rpcEndpoint = defaultRPCEndpoint()

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "gen-key":
		return runGenKey(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "airdrop":
		return runAirdrop(args[1:], stdout, stderr)
	case "call":
		return runCall(args[1:], stdout, stderr)
	case "report":
		return runReport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func runGenKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gen-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var out string
	fs.StringVar(&out, "out", "vest-key.json", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(out); err == nil {
		fmt.Fprintf(stderr, "Error: %s already exists; refusing to overwrite\n", out)
		return 1
	}
	pass, err := passphrase.NewSource(keystorePassEnv, "keystore passphrase").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: save keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", out)
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

// runAddress prints the identity derived from a module label, or the address
// held in a keystore when -keystore is given.
func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", "", "keystore file to read the address from")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if keystorePath != "" {
		pass, err := passphrase.NewSource(keystorePassEnv, "keystore passphrase").Get()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		key, err := crypto.LoadFromKeystore(keystorePath, pass)
		if err != nil {
			fmt.Fprintf(stderr, "Error: load keystore: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, key.PubKey().Address().String())
		return 0
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: address requires a module label (e.g. vesting, token:VEST) or -keystore")
		return 1
	}
	fmt.Fprintln(stdout, crypto.FromRaw(crypto.ModuleAddress(strings.TrimSpace(fs.Arg(0)))).String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var issuer, audience string
	var ttl time.Duration
	fs.StringVar(&issuer, "issuer", "vestctl", "JWT issuer claim")
	fs.StringVar(&audience, "audience", "vestingd", "JWT audience claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: token requires the caller's bech32 address")
		return 1
	}
	subject, err := crypto.DecodeAddress(strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid address: %v\n", err)
		return 1
	}
	secret, err := passphrase.NewSource(jwtSecretEnv, "RPC signing secret").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := rpc.IssueToken([]byte(secret), issuer, audience, subject.Raw(), ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runAirdrop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("airdrop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var token string
	var dryRun bool
	fs.StringVar(&token, "token", os.Getenv(rpcTokenEnv), "bearer token for the admin identity")
	fs.BoolVar(&dryRun, "dry-run", false, "validate the manifest and print the request without sending it")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: airdrop requires a manifest path")
		return 1
	}
	manifest, err := loadManifest(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := manifest.params()
	if dryRun {
		encoded, _ := json.MarshalIndent(params, "", "  ")
		fmt.Fprintln(stdout, string(encoded))
		return 0
	}
	result, rpcErr, err := rpcCall("vesting_airdrop", params, token)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var token string
	fs.StringVar(&token, "token", os.Getenv(rpcTokenEnv), "bearer token for mutating methods")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(stderr, "Error: call requires <method> [json-params]")
		return 1
	}
	var params interface{}
	if fs.NArg() == 2 {
		raw := json.RawMessage(strings.TrimSpace(fs.Arg(1)))
		if !json.Valid(raw) {
			fmt.Fprintln(stderr, "Error: params must be valid JSON")
			return 1
		}
		params = raw
	}
	result, rpcErr, err := rpcCall(fs.Arg(0), params, token)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func usage() string {
	return strings.TrimSpace(`Usage:
  vestctl [--rpc URL] <command> [flags]

Commands:
  gen-key [-out file]                  generate a secp256k1 key in an encrypted keystore
  address <label> | -keystore file     print a module or keystore address
  token [-ttl 1h] <address>            mint an RPC bearer token for address
  airdrop [-token T] [-dry-run] <yaml> submit an airdrop manifest
  call [-token T] <method> [json]      invoke a JSON-RPC method
  report [-out dir] [-name stem]       export a custody reconciliation as CSV and Parquet

Environment:
  VEST_RPC_URL, VEST_RPC_TOKEN, VEST_RPC_JWT_SECRET, VEST_KEYSTORE_PASS`)
}
