package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/chain"
	"github.com/Aidin1998/p2pex/internal/wallet/events"
)

var (
	tokenAddress    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	platformWallet  = common.HexToAddress("0x9999999999999999999999999999999999999999")
	senderAddress   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	strangerAddress = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type submission struct {
	to     common.Address
	amount *big.Int
	hash   common.Hash
}

// fakeChain is an in-memory chain. Every BlockHeight call advances the head
// by one block so mined receipts eventually become final.
type fakeChain struct {
	mu           sync.Mutex
	receipts     map[common.Hash]*types.Receipt
	height       uint64
	receiptErrs  int
	receiptCalls int
	submitErr    error
	decodeErr    error
	// afterSubmit runs once a submission has been accepted.
	afterSubmit func()
	// mine makes accepted submissions appear in a receipt at the current head.
	mine bool
	// hang makes SubmitTransfer block until its context ends.
	hang        bool
	submitCalls int
	submitted   []submission
}

var _ chain.Client = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts: make(map[common.Hash]*types.Receipt),
		height:   110,
		mine:     true,
	}
}

func (f *fakeChain) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, fmt.Errorf("%w: connection reset", errors.ErrChainTransient)
	}
	return f.receipts[hash], nil
}

func (f *fakeChain) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.height
	f.height++
	return h, nil
}

func (f *fakeChain) DecodeTransferEvents(receipt *types.Receipt) ([]chain.TransferEvent, error) {
	f.mu.Lock()
	decodeErr := f.decodeErr
	f.mu.Unlock()
	if decodeErr != nil {
		return nil, decodeErr
	}
	return chain.DecodeTransferEvents(tokenAddress, receipt)
}

func (f *fakeChain) SubmitTransfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	f.submitCalls++
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		return common.Hash{}, ctx.Err()
	}
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return common.Hash{}, err
	}
	hash := common.BigToHash(big.NewInt(int64(0xbeef00 + len(f.submitted))))
	f.submitted = append(f.submitted, submission{to: to, amount: amount, hash: hash})
	if f.mine {
		f.receipts[hash] = minedReceipt(hash, f.height, types.ReceiptStatusSuccessful,
			transferLog(platformWallet, to, amount, 0))
	}
	after := f.afterSubmit
	f.mu.Unlock()

	if after != nil {
		after()
	}
	return hash, nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}

func (f *fakeChain) WalletAddress() common.Address { return platformWallet }

func (f *fakeChain) addReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[r.TxHash] = r
}

func (f *fakeChain) calls() (receipts, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptCalls, f.submitCalls
}

func (f *fakeChain) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

func minedReceipt(hash common.Hash, block, status uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}

func transferLog(from, to common.Address, value *big.Int, index uint) *types.Log {
	return &types.Log{
		Address: tokenAddress,
		Topics: []common.Hash{
			chain.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:  common.LeftPadBytes(value.Bytes(), 32),
		Index: index,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingSink) Publish(_ context.Context, event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types(reference string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Reference == reference {
			out = append(out, e.Type)
		}
	}
	return out
}
