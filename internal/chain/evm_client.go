package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/config"
)

// Backend is the subset of ethclient.Client the EVM client calls.
type Backend interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMClient implements Client against a JSON-RPC node for one ERC-20 token.
type EVMClient struct {
	backend     Backend
	logger      *zap.Logger
	token       common.Address
	wallet      common.Address
	key         *ecdsa.PrivateKey
	gasHeadroom uint64

	// nonceMu covers nonce allocation through broadcast. nextNonce is the
	// nonce after the last accepted send, zero until the first one.
	nonceMu   sync.Mutex
	nextNonce uint64
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return NewEVMClient(client, cfg, logger)
}

// NewEVMClient wraps an RPC backend. The private key is optional; without it
// the client can watch deposits but not submit withdrawals.
func NewEVMClient(backend Backend, cfg config.ChainConfig, logger *zap.Logger) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, errors.Validation("token address %q is not a hex address", cfg.TokenAddress)
	}
	if !common.IsHexAddress(cfg.WalletAddress) {
		return nil, errors.Validation("wallet address %q is not a hex address", cfg.WalletAddress)
	}

	c := &EVMClient{
		backend:     backend,
		logger:      logger.Named("chain"),
		token:       common.HexToAddress(cfg.TokenAddress),
		wallet:      common.HexToAddress(cfg.WalletAddress),
		gasHeadroom: cfg.GasHeadroomPercent,
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.Validation("invalid private key: %v", err)
		}
		if derived := crypto.PubkeyToAddress(key.PublicKey); derived != c.wallet {
			return nil, errors.Validation("private key belongs to %s, not wallet %s", derived.Hex(), c.wallet.Hex())
		}
		c.key = key
	}

	return c, nil
}

// WalletAddress returns the platform wallet.
func (c *EVMClient) WalletAddress() common.Address {
	return c.wallet
}

// Receipt looks up a receipt; unknown and pending transactions return nil.
func (c *EVMClient) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, transient("receipt lookup", err)
	}
	return receipt, nil
}

// BlockHeight returns the latest block number.
func (c *EVMClient) BlockHeight(ctx context.Context) (uint64, error) {
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, transient("block height", err)
	}
	return height, nil
}

// DecodeTransferEvents decodes the token's Transfer logs.
func (c *EVMClient) DecodeTransferEvents(receipt *types.Receipt) ([]TransferEvent, error) {
	return DecodeTransferEvents(c.token, receipt)
}

// EstimateGas estimates the gas a call needs.
func (c *EVMClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, call)
	if err != nil {
		return 0, transient("gas estimation", err)
	}
	return gas, nil
}

// SubmitTransfer signs and broadcasts token.transfer(to, amount) from the
// platform wallet and returns the transaction hash. Submissions are
// serialized so concurrent withdrawals never sign with the same nonce.
func (c *EVMClient) SubmitTransfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, errors.Validation("no signing key configured for %s", c.wallet.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, errors.Validation("transfer amount must be positive")
	}

	data, err := PackTransfer(to, amount)
	if err != nil {
		return common.Hash{}, err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	// a node that has not yet seen our last broadcast reports a stale nonce
	pending, err := c.backend.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return common.Hash{}, transient("nonce lookup", err)
	}
	nonce := max(pending, c.nextNonce)
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, transient("gas price", err)
	}
	gas, err := c.EstimateGas(ctx, ethereum.CallMsg{From: c.wallet, To: &c.token, Data: data})
	if err != nil {
		return common.Hash{}, err
	}
	gas += gas * c.gasHeadroom / 100

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, transient("chain id", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.nextNonce = 0
		return common.Hash{}, transient("send transaction", err)
	}
	c.nextNonce = nonce + 1

	c.logger.Info("Transfer submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	return signed.Hash(), nil
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errors.ErrChainTransient, op, err)
}
