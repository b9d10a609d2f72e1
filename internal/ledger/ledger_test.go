package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/database"
)

const aliceAddress = "0x00000000000000000000000000000000000000A1"

type LedgerTestSuite struct {
	suite.Suite
	ctx    context.Context
	db     *gorm.DB
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (s *LedgerTestSuite) SetupTest() {
	logger := zaptest.NewLogger(s.T())
	db, err := database.OpenMemory(logger, Models()...)
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.db = db
	s.ledger = NewLedger(db, logger)
}

func (s *LedgerTestSuite) TearDownTest() {
	_ = database.Close(s.db)
}

func (s *LedgerTestSuite) funded(balance int64) uuid.UUID {
	account, err := s.ledger.EnsureAccount(s.ctx, aliceAddress)
	s.Require().NoError(err)
	if balance > 0 {
		_, err = s.ledger.Credit(s.ctx, account.ID, balance, "seed:"+account.ID.String())
		s.Require().NoError(err)
	}
	return account.ID
}

func (s *LedgerTestSuite) TestCreditAndDebit() {
	id := s.funded(0)

	balance, err := s.ledger.Credit(s.ctx, id, 700, "deposit:0x01")
	s.Require().NoError(err)
	s.Equal(int64(700), balance)

	balance, err = s.ledger.Debit(s.ctx, id, 200, "withdrawal:1")
	s.Require().NoError(err)
	s.Equal(int64(500), balance)

	got, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(500), got)

	entries, err := s.ledger.Entries(s.ctx, id, 10)
	s.Require().NoError(err)
	s.Len(entries, 2)
}

func (s *LedgerTestSuite) TestDebitInsufficientFundsLeavesBalance() {
	id := s.funded(100)

	_, err := s.ledger.Debit(s.ctx, id, 101, "withdrawal:2")
	s.ErrorIs(err, errors.ErrInsufficientFunds)

	balance, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(100), balance)

	// the rejected mutation left no journal row behind
	entries, err := s.ledger.Entries(s.ctx, id, 10)
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *LedgerTestSuite) TestDebitExactBalanceReachesZero() {
	id := s.funded(100)

	balance, err := s.ledger.Debit(s.ctx, id, 100, "withdrawal:3")
	s.Require().NoError(err)
	s.Zero(balance)
}

func (s *LedgerTestSuite) TestUnknownAccount() {
	_, err := s.ledger.Debit(s.ctx, uuid.New(), 1, "withdrawal:4")
	s.ErrorIs(err, errors.ErrNotFound)

	_, err = s.ledger.Credit(s.ctx, uuid.New(), 1, "deposit:0x04")
	s.ErrorIs(err, errors.ErrNotFound)

	_, err = s.ledger.GetBalance(s.ctx, uuid.New())
	s.ErrorIs(err, errors.ErrNotFound)
}

func (s *LedgerTestSuite) TestInvalidAmounts() {
	id := s.funded(10)

	for _, amount := range []int64{0, -5} {
		_, err := s.ledger.Credit(s.ctx, id, amount, fmt.Sprintf("c:%d", amount))
		s.ErrorIs(err, errors.ErrValidation)
		_, err = s.ledger.Debit(s.ctx, id, amount, fmt.Sprintf("d:%d", amount))
		s.ErrorIs(err, errors.ErrValidation)
	}

	_, err := s.ledger.Credit(s.ctx, id, 1, "")
	s.ErrorIs(err, errors.ErrValidation)
}

func (s *LedgerTestSuite) TestDuplicateReferenceAppliesOnce() {
	id := s.funded(0)

	_, err := s.ledger.Credit(s.ctx, id, 50, DepositRef("0xabc"))
	s.Require().NoError(err)

	_, err = s.ledger.Credit(s.ctx, id, 50, DepositRef("0xabc"))
	s.ErrorIs(err, errors.ErrConflict)

	balance, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(50), balance)
}

func (s *LedgerTestSuite) TestDebitTxRollsBackWithOuterTransaction() {
	id := s.funded(100)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.DebitTx(s.ctx, tx, id, 60, "withdrawal:5"); err != nil {
			return err
		}
		return errors.New("status update lost")
	})
	s.Error(err)

	balance, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(100), balance)
}

func (s *LedgerTestSuite) TestEnsureAccountIsIdempotent() {
	first, err := s.ledger.EnsureAccount(s.ctx, aliceAddress)
	s.Require().NoError(err)

	// same address in a different case resolves to the same account
	second, err := s.ledger.EnsureAccount(s.ctx, "0x00000000000000000000000000000000000000a1")
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)

	byAddress, err := s.ledger.FindByAddress(s.ctx, aliceAddress)
	s.Require().NoError(err)
	s.Equal(first.ID, byAddress.ID)

	_, err = s.ledger.EnsureAccount(s.ctx, "not-an-address")
	s.ErrorIs(err, errors.ErrValidation)
}

func (s *LedgerTestSuite) TestConcurrentDebitsNeverOverdraw() {
	id := s.funded(500)

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ledger.Debit(s.ctx, id, 500, fmt.Sprintf("withdrawal:race-%d", i))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errors.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int64(1), succeeded.Load())
	s.Equal(int64(1), rejected.Load())

	balance, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Zero(balance)
}

func (s *LedgerTestSuite) TestManyConcurrentSmallDebits() {
	id := s.funded(100)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ledger.Debit(s.ctx, id, 7, fmt.Sprintf("withdrawal:small-%d", i)); err == nil {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	balance, err := s.ledger.GetBalance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(14), succeeded.Load())
	s.Equal(int64(100-14*7), balance)
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0xAbCdEf0000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got)

	_, err = NormalizeAddress("0x12")
	assert.ErrorIs(t, err, errors.ErrValidation)
}
