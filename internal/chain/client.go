// Package chain is the boundary to the EVM network the settlement token lives on.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// Client is what the reconciliation side needs from the chain. Every RPC
// failure wraps errors.ErrChainTransient so callers can tell it apart from
// "not yet confirmed".
type Client interface {
	// Receipt returns nil without error while the transaction is unknown or unmined.
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockHeight(ctx context.Context) (uint64, error)
	DecodeTransferEvents(receipt *types.Receipt) ([]TransferEvent, error)
	SubmitTransfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	// WalletAddress is the platform address deposits are sent to and withdrawals are sent from.
	WalletAddress() common.Address
}
