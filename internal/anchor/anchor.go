// Package anchor mints an NFT-style token on an EVM-compatible chain whose
// id equals the batch id, retrying with exponential backoff. It is grounded
// on the reference corpus's only real blockchain client library,
// github.com/ethereum/go-ethereum, re-targeting the original NEAR-shaped
// mint_batch/nft_token contract surface onto EVM calls (see DESIGN.md).
package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/etrap/agent/internal/batch"
	apperrors "github.com/etrap/agent/pkg/errors"
	"github.com/etrap/agent/pkg/logging"
)

// contractABI is the minimal ABI surface this client calls. Only
// mint_batch is invoked by the agent; the remaining read methods in §6 are
// exposed for the verifier's progressive search.
const contractABI = `[
	{"name":"mint_batch","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"token_id","type":"string"},{"name":"receiver_id","type":"address"},
	           {"name":"token_metadata","type":"string"},{"name":"batch_summary","type":"string"}],
	 "outputs":[]},
	{"name":"nft_token","type":"function","stateMutability":"view",
	 "inputs":[{"name":"token_id","type":"string"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"name":"get_batches_by_table","type":"function","stateMutability":"view",
	 "inputs":[{"name":"table_name","type":"string"},{"name":"limit","type":"uint64"}],
	 "outputs":[{"name":"","type":"string[]"}]},
	{"name":"get_recent_batches","type":"function","stateMutability":"view",
	 "inputs":[{"name":"limit","type":"uint64"}],
	 "outputs":[{"name":"","type":"string[]"}]},
	{"name":"get_batch_summary","type":"function","stateMutability":"view",
	 "inputs":[{"name":"token_id","type":"string"}],
	 "outputs":[{"name":"","type":"string"}]}
]`

var etrapFeeRe = regexp.MustCompile(`"etrap_fee":"(\d+)"`)

// Config carries the settings needed to construct a Client.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKeyHex   string
	ReceiverAddress string
	GasLimit        uint64
	CallTimeout     time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
}

// MintResult is the outcome of a successful mint, matching §4.G's return
// contract.
type MintResult struct {
	TxHash      string
	BlockHeight uint64
	GasUsed     uint64
	EtrapFee    string
}

// Client anchors batches on an EVM chain.
type Client struct {
	cfg        Config
	eth        *ethclient.Client
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	fromAddr   common.Address
	logger     *logging.Logger
}

// NewClient dials the configured RPC endpoint and prepares the signing key.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, "NewClient", apperrors.AnchorErrRPC, "failed to dial chain RPC")
	}

	parsedABI, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, apperrors.AnchorWrap(err, "NewClient", apperrors.AnchorErrRPC, "failed to parse contract ABI")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, apperrors.AnchorWrap(err, "NewClient", apperrors.AnchorErrRPC, "failed to parse private key")
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, apperrors.NewAnchorError(apperrors.AnchorErrRPC, "failed to derive public key", nil)
	}

	return &Client{
		cfg:        cfg,
		eth:        eth,
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.ContractAddress),
		abi:        parsedABI,
		privateKey: privateKey,
		fromAddr:   crypto.PubkeyToAddress(*publicKeyECDSA),
		logger:     logger,
	}, nil
}

// Health calls a cheap read-only RPC to confirm chain connectivity.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return apperrors.AnchorWrap(err, "Health", apperrors.AnchorErrRPC, "chain health check failed")
	}
	return nil
}

// MintBatch calls mint_batch(token_id, receiver_id, token_metadata,
// batch_summary) with up to cfg.MaxAttempts retries and exponential
// backoff (base cfg.BackoffBase, factor cfg.BackoffFactor). token_id is the
// batch id, guaranteeing idempotent re-mint detection at the contract
// layer. A collision on token_id (the contract reverts because the token
// already exists) is treated as terminal success-equivalent, not retried.
func (c *Client) MintBatch(ctx context.Context, b *batch.Batch, tokenMetadataJSON, batchSummaryJSON string) (*MintResult, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.cfg.BackoffBase) * pow(c.cfg.BackoffFactor, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := c.mintOnce(ctx, b.ID, tokenMetadataJSON, batchSummaryJSON)
		if err == nil {
			return result, nil
		}

		if isCollision(err) {
			c.logger.Warn("mint collision, token already exists, treating as terminal success", "batch_id", b.ID)
			return &MintResult{}, nil
		}

		lastErr = err
		c.logger.Warn("mint attempt failed", "batch_id", b.ID, "attempt", attempt+1, "error", err)
	}

	return nil, apperrors.AnchorWrap(lastErr, "MintBatch", apperrors.AnchorErrMintFailed, "mint failed after retries")
}

func (c *Client) mintOnce(ctx context.Context, tokenID, tokenMetadataJSON, batchSummaryJSON string) (*MintResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	callData, err := c.abi.Pack("mint_batch", tokenID, common.HexToAddress(c.cfg.ReceiverAddress), tokenMetadataJSON, batchSummaryJSON)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpMintBatch, apperrors.AnchorErrMintFailed, "failed to pack mint_batch call")
	}

	nonce, err := c.eth.PendingNonceAt(callCtx, c.fromAddr)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpMintBatch, apperrors.AnchorErrRPC, "failed to fetch nonce")
	}

	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpMintBatch, apperrors.AnchorErrRPC, "failed to fetch gas price")
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), c.cfg.GasLimit, gasPrice, callData)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpSendTx, apperrors.AnchorErrMintFailed, "failed to sign transaction")
	}

	if err := c.eth.SendTransaction(callCtx, signedTx); err != nil {
		if isCollisionErrString(err.Error()) {
			return nil, collisionError{err}
		}
		return nil, apperrors.AnchorWrap(err, apperrors.OpSendTx, apperrors.AnchorErrMintFailed, "failed to send transaction")
	}

	receipt, err := bind.WaitMined(callCtx, c.eth, signedTx)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpWaitReceipt, apperrors.AnchorErrMintFailed, "failed waiting for receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, apperrors.NewAnchorError(apperrors.AnchorErrMintFailed, "transaction reverted", nil)
	}

	fee := extractEtrapFee(receipt)

	return &MintResult{
		TxHash:      signedTx.Hash().Hex(),
		BlockHeight: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		EtrapFee:    fee,
	}, nil
}

// NFTToken calls the read-only nft_token(token_id) method, returning the
// token's stored metadata JSON blob.
func (c *Client) NFTToken(ctx context.Context, tokenID string) (string, error) {
	v, err := c.call(ctx, "nft_token", tokenID)
	if err != nil {
		return "", apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "nft_token call failed")
	}
	s, _ := v.(string)
	return s, nil
}

// BatchesByTable calls get_batches_by_table(table_name, limit), returning
// up to limit token ids referencing that table, most recent first.
func (c *Client) BatchesByTable(ctx context.Context, table string, limit uint64) ([]string, error) {
	v, err := c.call(ctx, "get_batches_by_table", table, limit)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "get_batches_by_table call failed")
	}
	s, _ := v.([]string)
	return s, nil
}

// RecentBatches calls get_recent_batches(limit), returning up to limit
// token ids across the whole chain index, most recent first.
func (c *Client) RecentBatches(ctx context.Context, limit uint64) ([]string, error) {
	v, err := c.call(ctx, "get_recent_batches", limit)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "get_recent_batches call failed")
	}
	s, _ := v.([]string)
	return s, nil
}

// BatchSummary calls the read-only get_batch_summary(token_id) method and
// decodes its JSON result into the batch_summary contract surface of §6,
// which carries the storage location (database_name/table_names/s3_key)
// the verifier needs to locate a candidate batch's bundle.
func (c *Client) BatchSummary(ctx context.Context, tokenID string) (*batch.Summary, error) {
	v, err := c.call(ctx, "get_batch_summary", tokenID)
	if err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "get_batch_summary call failed")
	}
	s, _ := v.(string)
	var summary batch.Summary
	if err := json.Unmarshal([]byte(s), &summary); err != nil {
		return nil, apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "failed to decode batch_summary")
	}
	return &summary, nil
}

// BlockTimestamp returns the Unix timestamp of the given block height, used
// by the verifier to report the chain's authoritative anchoring time.
func (c *Client) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(height))
	if err != nil {
		return 0, apperrors.AnchorWrap(err, apperrors.OpChainRead, apperrors.AnchorErrRPC, "failed to fetch block header")
	}
	return int64(header.Time), nil
}

// call packs and executes a read-only contract call via eth_call and
// unpacks the single return value.
func (c *Client) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{To: &c.contract, Data: data}
	result, err := c.eth.CallContract(callCtx, msg, nil)
	if err != nil {
		return nil, err
	}

	values, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected return arity %d for %s", len(values), method)
	}
	return values[0], nil
}

// extractEtrapFee scrapes the etrap_fee value out of the receipt's log
// data, mirroring the reference implementation's regex scan over outcome
// logs ("etrap_fee":"<digits>").
func extractEtrapFee(receipt *types.Receipt) string {
	for _, log := range receipt.Logs {
		if m := etrapFeeRe.FindSubmatch(log.Data); m != nil {
			return string(m[1])
		}
	}
	return "0"
}

type collisionError struct{ err error }

func (c collisionError) Error() string { return c.err.Error() }
func (c collisionError) Unwrap() error { return c.err }

func isCollision(err error) bool {
	_, ok := err.(collisionError)
	return ok
}

func isCollisionErrString(s string) bool {
	return strings.Contains(s, "token already exists") || strings.Contains(s, "already minted")
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0.0; i < exp; i++ {
		result *= base
	}
	return result
}
