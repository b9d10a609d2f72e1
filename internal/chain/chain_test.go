package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/config"
)

var (
	tokenAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
	userAddress  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeBackend struct {
	mu          sync.Mutex
	nonceDelay  time.Duration
	staleNonce  bool
	receipts    map[common.Hash]*types.Receipt
	receiptErr  error
	height      uint64
	estimate    uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.height, nil }

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	nonce := uint64(len(f.sent))
	if f.staleNonce {
		nonce = 0
	}
	f.mu.Unlock()
	time.Sleep(f.nonceDelay)
	return nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(2e9), nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func transferLog(from, to common.Address, value int64, index uint) *types.Log {
	return &types.Log{
		Address: tokenAddress,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:  common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		Index: index,
	}
}

func newTestClient(t *testing.T, backend *fakeBackend) (*EVMClient, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	client, err := NewEVMClient(backend, config.ChainConfig{
		TokenAddress:       tokenAddress.Hex(),
		WalletAddress:      wallet.Hex(),
		PrivateKey:         hex.EncodeToString(crypto.FromECDSA(key)),
		GasHeadroomPercent: 20,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client, wallet
}

func TestDecodeTransferEvents(t *testing.T) {
	wallet := common.HexToAddress("0x3333333333333333333333333333333333333333")
	other := common.HexToAddress("0x4444444444444444444444444444444444444444")

	foreign := transferLog(userAddress, wallet, 999, 0)
	foreign.Address = other
	approval := &types.Log{Address: tokenAddress, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))}}

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: big.NewInt(100),
		Logs:        []*types.Log{foreign, approval, transferLog(userAddress, wallet, 5_000_000, 2)},
	}

	events, err := DecodeTransferEvents(tokenAddress, receipt)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, userAddress, events[0].From)
	assert.Equal(t, wallet, events[0].To)
	assert.Equal(t, int64(5_000_000), events[0].Value.Int64())
	assert.Equal(t, uint(2), events[0].LogIndex)
	assert.Equal(t, uint64(100), events[0].BlockNumber)
	assert.Equal(t, receipt.TxHash, events[0].TxHash)
}

func TestDecodeTransferEventsMalformed(t *testing.T) {
	short := transferLog(userAddress, tokenAddress, 1, 0)
	short.Topics = short.Topics[:2]

	_, err := DecodeTransferEvents(tokenAddress, &types.Receipt{Logs: []*types.Log{short}})
	assert.ErrorIs(t, err, errors.ErrMalformedReceipt)

	truncated := transferLog(userAddress, tokenAddress, 1, 0)
	truncated.Data = truncated.Data[:16]
	_, err = DecodeTransferEvents(tokenAddress, &types.Receipt{Logs: []*types.Log{truncated}})
	assert.ErrorIs(t, err, errors.ErrMalformedReceipt)

	_, err = DecodeTransferEvents(tokenAddress, nil)
	assert.ErrorIs(t, err, errors.ErrMalformedReceipt)
}

func TestPackTransfer(t *testing.T) {
	data, err := PackTransfer(userAddress, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, userAddress, common.BytesToAddress(data[4:36]))
	assert.Equal(t, int64(42), new(big.Int).SetBytes(data[36:]).Int64())
}

func TestReceiptNotFoundIsNotAnError(t *testing.T) {
	backend := &fakeBackend{}
	client, _ := newTestClient(t, backend)

	receipt, err := client.Receipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, receipt)

	backend.receiptErr = errors.New("connection reset")
	_, err = client.Receipt(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, errors.ErrChainTransient)
}

func TestSubmitTransfer(t *testing.T) {
	backend := &fakeBackend{estimate: 50_000}
	client, wallet := newTestClient(t, backend)

	hash, err := client.SubmitTransfer(context.Background(), userAddress, big.NewInt(7_000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, tokenAddress, *tx.To())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Zero(t, tx.Value().Sign())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, wallet, sender)

	want, err := PackTransfer(userAddress, big.NewInt(7_000))
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())
}

func TestSubmitTransferFailures(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted")}
	client, _ := newTestClient(t, backend)

	_, err := client.SubmitTransfer(context.Background(), userAddress, big.NewInt(1))
	assert.ErrorIs(t, err, errors.ErrChainTransient)

	backend.estimateErr = nil
	backend.estimate = 21_000
	backend.sendErr = errors.New("nonce too low")
	_, err = client.SubmitTransfer(context.Background(), userAddress, big.NewInt(1))
	assert.ErrorIs(t, err, errors.ErrChainTransient)
	assert.Empty(t, backend.sent)

	_, err = client.SubmitTransfer(context.Background(), userAddress, big.NewInt(0))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestConcurrentSubmissionsUseDistinctNonces(t *testing.T) {
	backend := &fakeBackend{estimate: 21_000, nonceDelay: 50 * time.Millisecond}
	client, _ := newTestClient(t, backend)

	const submissions = 3
	hashes := make([]common.Hash, submissions)
	var wg sync.WaitGroup
	for i := range submissions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := client.SubmitTransfer(context.Background(), userAddress, big.NewInt(7))
			assert.NoError(t, err)
			hashes[i] = hash
		}()
	}
	wg.Wait()

	require.Len(t, backend.sent, submissions)
	nonces := make(map[uint64]bool)
	for _, tx := range backend.sent {
		nonces[tx.Nonce()] = true
	}
	assert.Equal(t, map[uint64]bool{0: true, 1: true, 2: true}, nonces)
	assert.NotEqual(t, hashes[0], hashes[1])
	assert.NotEqual(t, hashes[1], hashes[2])
	assert.NotEqual(t, hashes[0], hashes[2])
}

func TestSubmitTransferSkipsStaleNonce(t *testing.T) {
	backend := &fakeBackend{estimate: 21_000, staleNonce: true}
	client, _ := newTestClient(t, backend)

	for range 2 {
		_, err := client.SubmitTransfer(context.Background(), userAddress, big.NewInt(7))
		require.NoError(t, err)
	}
	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(0), backend.sent[0].Nonce())
	assert.Equal(t, uint64(1), backend.sent[1].Nonce())

	// a rejected send drops the local counter and trusts the node again
	backend.sendErr = errors.New("nonce too low")
	_, err := client.SubmitTransfer(context.Background(), userAddress, big.NewInt(7))
	require.ErrorIs(t, err, errors.ErrChainTransient)

	backend.sendErr = nil
	backend.staleNonce = false
	_, err = client.SubmitTransfer(context.Background(), userAddress, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), backend.sent[2].Nonce())
}

func TestNewEVMClientRejectsForeignKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewEVMClient(&fakeBackend{}, config.ChainConfig{
		TokenAddress:  tokenAddress.Hex(),
		WalletAddress: userAddress.Hex(),
		PrivateKey:    hex.EncodeToString(crypto.FromECDSA(key)),
	}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestScaler(t *testing.T) {
	s := NewScaler(12)

	units, dust, err := s.ToLedger(new(big.Int).Mul(big.NewInt(1_500_000), big.NewInt(1e12)))
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), units)
	assert.Zero(t, dust.Sign())

	raw, _ := new(big.Int).SetString("1000000000000999", 10)
	units, dust, err = s.ToLedger(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), units)
	assert.Equal(t, int64(999), dust.Int64())

	assert.Equal(t, "5000000000000", s.ToChain(5).String())

	huge, _ := new(big.Int).SetString("1000000000000000000000000000000000000", 10)
	_, _, err = s.ToLedger(huge)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, _, err = s.ToLedger(big.NewInt(-1))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestScalerEighteenDecimals(t *testing.T) {
	s := NewScaler(18)
	almostOne, _ := new(big.Int).SetString("999999999999999999", 10)

	units, dust, err := s.ToLedger(almostOne)
	require.NoError(t, err)
	assert.Zero(t, units)
	assert.Equal(t, almostOne.String(), dust.String())
}
