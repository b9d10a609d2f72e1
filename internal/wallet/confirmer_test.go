package wallet

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/chain"
)

func newTestConfirmer(t *testing.T, fc *fakeChain, maxAttempts int) *Confirmer {
	return NewConfirmer(fc, ConfirmerConfig{
		ConfirmingBlocks: 2,
		PollInterval:     time.Millisecond,
		MaxAttempts:      maxAttempts,
	}, zaptest.NewLogger(t))
}

func toWallet(ev chain.TransferEvent) bool { return ev.To == platformWallet }

func TestConfirmTransientErrorsConsumeAttempts(t *testing.T) {
	fc := newFakeChain()
	fc.receiptErrs = 2
	hash := common.HexToHash("0xabc")
	fc.addReceipt(minedReceipt(hash, 100, types.ReceiptStatusSuccessful,
		transferLog(senderAddress, platformWallet, big.NewInt(250), 0)))

	var persisted []int
	conf, err := newTestConfirmer(t, fc, 5).Confirm(context.Background(), hash, 0,
		func(n int) { persisted = append(persisted, n) }, toWallet)
	require.NoError(t, err)

	assert.Equal(t, 3, conf.Attempts)
	assert.Equal(t, []int{1, 2, 3}, persisted)
	require.Len(t, conf.Events, 1)
	assert.Equal(t, senderAddress, conf.Events[0].From)
	assert.Equal(t, int64(250), conf.Events[0].Value.Int64())
}

func TestConfirmTimesOutWhenNeverMined(t *testing.T) {
	fc := newFakeChain()

	_, err := newTestConfirmer(t, fc, 3).Confirm(context.Background(), common.HexToHash("0x01"), 0, nil, toWallet)
	assert.ErrorIs(t, err, errors.ErrConfirmationTimeout)

	receipts, _ := fc.calls()
	assert.Equal(t, 3, receipts)
}

func TestConfirmResumesPersistedAttempts(t *testing.T) {
	fc := newFakeChain()

	_, err := newTestConfirmer(t, fc, 3).Confirm(context.Background(), common.HexToHash("0x01"), 3, nil, toWallet)
	assert.ErrorIs(t, err, errors.ErrConfirmationTimeout)

	receipts, _ := fc.calls()
	assert.Zero(t, receipts)
}

func TestConfirmShallowReceiptDoesNotConsumeAttempts(t *testing.T) {
	fc := newFakeChain()
	fc.height = 10
	hash := common.HexToHash("0xd33b")
	fc.addReceipt(minedReceipt(hash, 10, types.ReceiptStatusSuccessful,
		transferLog(senderAddress, platformWallet, big.NewInt(1), 0)))

	// One attempt is enough: heights 10 and 11 are shallow, 12 is final.
	conf, err := newTestConfirmer(t, fc, 1).Confirm(context.Background(), hash, 0, nil, toWallet)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.Attempts)

	receipts, _ := fc.calls()
	assert.Equal(t, 3, receipts)
}

func TestConfirmPermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		receipt func(hash common.Hash) *types.Receipt
		want    error
	}{
		{
			name: "reverted",
			receipt: func(hash common.Hash) *types.Receipt {
				return minedReceipt(hash, 100, types.ReceiptStatusFailed)
			},
			want: errors.ErrEventNotEmitted,
		},
		{
			name: "transfer elsewhere",
			receipt: func(hash common.Hash) *types.Receipt {
				return minedReceipt(hash, 100, types.ReceiptStatusSuccessful,
					transferLog(senderAddress, strangerAddress, big.NewInt(5), 0))
			},
			want: errors.ErrEventNotEmitted,
		},
		{
			name: "malformed transfer log",
			receipt: func(hash common.Hash) *types.Receipt {
				log := transferLog(senderAddress, platformWallet, big.NewInt(5), 0)
				log.Topics = log.Topics[:2]
				return minedReceipt(hash, 100, types.ReceiptStatusSuccessful, log)
			},
			want: errors.ErrMalformedReceipt,
		},
		{
			name: "missing block number",
			receipt: func(hash common.Hash) *types.Receipt {
				r := minedReceipt(hash, 100, types.ReceiptStatusSuccessful)
				r.BlockNumber = nil
				return r
			},
			want: errors.ErrMalformedReceipt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			hash := common.HexToHash("0xfeed")
			fc.addReceipt(tt.receipt(hash))

			_, err := newTestConfirmer(t, fc, 5).Confirm(context.Background(), hash, 0, nil, toWallet)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.Permanent(err))

			receipts, _ := fc.calls()
			assert.Equal(t, 1, receipts)
		})
	}
}

func TestUndecodableFinalReceiptIsMalformed(t *testing.T) {
	fc := newFakeChain()
	fc.decodeErr = errors.New("abi: cannot unmarshal")
	hash := common.HexToHash("0xfade")
	fc.addReceipt(minedReceipt(hash, 100, types.ReceiptStatusSuccessful,
		transferLog(senderAddress, platformWallet, big.NewInt(5), 0)))

	_, err := newTestConfirmer(t, fc, 5).Confirm(context.Background(), hash, 0, nil, toWallet)
	assert.ErrorIs(t, err, errors.ErrMalformedReceipt)
	assert.ErrorContains(t, err, "abi: cannot unmarshal")
	assert.True(t, errors.Permanent(err))

	receipts, _ := fc.calls()
	assert.Equal(t, 1, receipts)
}

func TestConfirmStopsOnCancel(t *testing.T) {
	fc := newFakeChain()
	c := NewConfirmer(fc, ConfirmerConfig{
		ConfirmingBlocks: 2,
		PollInterval:     10 * time.Millisecond,
		MaxAttempts:      1000,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Confirm(ctx, common.HexToHash("0x01"), 0, nil, toWallet)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
