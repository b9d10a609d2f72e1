package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Aidin1998/p2pex/common/errors"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},
	           {"name":"to","type":"address","indexed":true},
	           {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	parsedERC20 = mustParseABI(erc20ABI)

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = parsedERC20.Events["Transfer"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// PackTransfer encodes transfer(to, amount) call data.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := parsedERC20.Pack("transfer", to, amount)
	if err != nil {
		return nil, errors.Validation("cannot encode transfer: %v", err)
	}
	return data, nil
}

// DecodeTransferEvents returns the Transfer logs the token contract emitted in
// the receipt, in log order. Logs from other contracts or with other topics
// are skipped; a Transfer log with the wrong shape is ErrMalformedReceipt.
func DecodeTransferEvents(token common.Address, receipt *types.Receipt) ([]TransferEvent, error) {
	if receipt == nil {
		return nil, fmt.Errorf("%w: nil receipt", errors.ErrMalformedReceipt)
	}

	var events []TransferEvent
	for _, log := range receipt.Logs {
		if log == nil || log.Address != token || len(log.Topics) == 0 || log.Topics[0] != TransferTopic {
			continue
		}
		if len(log.Topics) != 3 || len(log.Data) != 32 {
			return nil, fmt.Errorf("%w: transfer log %d has %d topics and %d data bytes",
				errors.ErrMalformedReceipt, log.Index, len(log.Topics), len(log.Data))
		}

		events = append(events, TransferEvent{
			Token:       log.Address,
			From:        common.BytesToAddress(log.Topics[1].Bytes()),
			To:          common.BytesToAddress(log.Topics[2].Bytes()),
			Value:       new(big.Int).SetBytes(log.Data),
			TxHash:      receipt.TxHash,
			LogIndex:    log.Index,
			BlockNumber: receiptBlock(receipt),
		})
	}
	return events, nil
}

func receiptBlock(receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
