// Package main provides the etrap-verify CLI: given a row's transaction
// data and optional hints, it reports whether that row's hash is anchored
// in an on-chain batch and, if so, whether its Merkle proof still checks
// out against the anchored root.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/etrap/agent/internal/anchor"
	"github.com/etrap/agent/internal/objectstore"
	"github.com/etrap/agent/internal/verify"
	"github.com/etrap/agent/pkg/config"
	"github.com/etrap/agent/pkg/decode"
	"github.com/etrap/agent/pkg/logging"
)

// Command line flags, in the package-level style of cmd/loadtest/main.go.
var (
	contract   = flag.String("contract", "", "Anchoring contract address (required)")
	network    = flag.String("network", "localnet", "Chain network: testnet, mainnet, or localnet")
	data       = flag.String("data", "", "Transaction data as a JSON object string")
	dataFile   = flag.String("data-file", "", "Path to a file containing the transaction data JSON object")
	hintBatch  = flag.String("hint-batch", "", "Known batch id to check first")
	hintTable  = flag.String("hint-table", "", "Known source table to narrow the search")
	hintDB     = flag.String("hint-database", "", "Known source database to narrow the search")
	jsonOutput = flag.Bool("json", false, "Print the result as JSON")
	quiet      = flag.Bool("quiet", false, "Suppress all output except the exit code")
	configFile = flag.String("config", "", "Path to configuration file")
)

var networkRPC = map[string]string{
	"mainnet":  "https://rpc.mainnet.etrap.example",
	"testnet":  "https://rpc.testnet.etrap.example",
	"localnet": "http://localhost:8545",
}

func main() {
	flag.Parse()

	if *contract == "" {
		fmt.Fprintln(os.Stderr, "etrap-verify: -contract is required")
		os.Exit(1)
	}

	opts := config.DefaultLoadOptions()
	// The flags above are this tool's own; the config loader's flag set does
	// not know them and would fail to parse the command line.
	opts.UseFlags = false
	if *configFile != "" {
		opts.ConfigFile = *configFile
	}
	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etrap-verify: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	rpcURL := cfg.Anchor.RPCURL
	if preset, ok := networkRPC[*network]; ok && cfg.Anchor.RPCURL == "" {
		rpcURL = preset
	}

	logCfg := logging.DefaultConfig()
	logCfg.ServiceName = "etrap-verify"
	logCfg.Output = io.Discard
	if !*quiet {
		logCfg.Output = os.Stderr
	}
	logger := logging.New(logCfg)

	payloadJSON, err := readPayload()
	if err != nil {
		fail(err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &raw); err != nil {
		fail(fmt.Errorf("failed to parse transaction data as a JSON object: %w", err))
	}

	payload := make(map[string]decode.Value, len(raw))
	for k, v := range raw {
		payload[k] = decode.FromRaw(v)
	}

	anchorClient, err := anchor.NewClient(anchor.Config{
		RPCURL:          rpcURL,
		ChainID:         cfg.Anchor.ChainID,
		ContractAddress: *contract,
		PrivateKeyHex:   cfg.Anchor.PrivateKeyHex,
		ReceiverAddress: cfg.Anchor.ReceiverAddress,
		GasLimit:        cfg.Anchor.GasLimit,
		CallTimeout:     cfg.Anchor.CallTimeout,
		MaxAttempts:     cfg.Anchor.MaxAttempts,
		BackoffBase:     cfg.Anchor.BackoffBase,
		BackoffFactor:   cfg.Anchor.BackoffFactor,
	}, logger)
	if err != nil {
		fail(fmt.Errorf("failed to connect to %s chain RPC: %w", *network, err))
	}

	store := objectstore.NewFilesystemStore(cfg.ObjectStore.RootDir, cfg.ObjectStore.OrganisationID, logger)
	verifier := verify.New(store, anchorClient, logger)

	result, err := verifier.Verify(context.Background(), payload, verify.Hints{
		BatchID:  *hintBatch,
		Table:    *hintTable,
		Database: *hintDB,
	})
	if err != nil {
		fail(err)
	}

	printResult(result)

	if result.Verified {
		os.Exit(0)
	}
	os.Exit(1)
}

func readPayload() ([]byte, error) {
	switch {
	case *data != "":
		return []byte(*data), nil
	case *dataFile != "":
		return os.ReadFile(*dataFile)
	default:
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction data from stdin: %w", err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("no transaction data given: use -data, -data-file, or stdin")
		}
		return b, nil
	}
}

func printResult(r *verify.Result) {
	if *quiet {
		return
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(r)
		return
	}

	switch {
	case r.Verified:
		fmt.Printf("VERIFIED\n")
		fmt.Printf("  batch_id:        %s\n", r.BatchID)
		fmt.Printf("  merkle_root:     %s\n", r.MerkleRoot)
		fmt.Printf("  proof_length:    %d\n", r.ProofLength)
		if r.ChainTimestamp > 0 {
			fmt.Printf("  chain_timestamp: %d\n", r.ChainTimestamp)
		}
	case r.TamperEvidence:
		fmt.Printf("TAMPER_EVIDENCE\n")
		fmt.Printf("  batch_id: %s\n", r.BatchID)
		fmt.Printf("  reason:   %s\n", r.Reason)
	default:
		fmt.Printf("NOT_VERIFIED\n")
		fmt.Printf("  reason:          %s\n", r.Reason)
		fmt.Printf("  batches_scanned: %d\n", r.BatchesScanned)
	}
}

func fail(err error) {
	if !*quiet {
		fmt.Fprintf(os.Stderr, "etrap-verify: %v\n", err)
	}
	os.Exit(1)
}
