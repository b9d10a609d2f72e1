package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Aidin1998/p2pex/internal/market"
)

type createOfferRequest struct {
	OfferType    market.OfferType `json:"offerType" binding:"required,oneof=buy sell"`
	Amount       int64            `json:"amount" binding:"required,gt=0"`
	Fee          int64            `json:"fee" binding:"gte=0"`
	PricePerUnit int64            `json:"pricePerUnit" binding:"gte=0"`
	Value        int64            `json:"value" binding:"gte=0"`
	Currency     string           `json:"currency" binding:"required,max=16"`
	CryptoType   string           `json:"cryptoType" binding:"required,max=16"`
	RevTag       string           `json:"revTag" binding:"max=128"`
}

type createTransactionRequest struct {
	OfferID     uuid.UUID `json:"offer_id" binding:"required"`
	Amount      int64     `json:"amount" binding:"required,gt=0"`
	Price       int64     `json:"price" binding:"gte=0"`
	TakerFee    int64     `json:"takerFee" binding:"gte=0"`
	MakerFee    int64     `json:"makerFee" binding:"gte=0"`
	Value       int64     `json:"value" binding:"gte=0"`
	Currency    string    `json:"currency" binding:"max=16"`
	CryptoType  string    `json:"cryptoType" binding:"max=16"`
	RandomTitle string    `json:"randomTitle" binding:"max=128"`
}

type resolveTransactionRequest struct {
	Status market.TransactionStatus `json:"status" binding:"required,oneof=successful rejected"`
}

type submitDepositRequest struct {
	TxHash         string `json:"txHash" binding:"required,tx_hash"`
	ExpectedAmount *int64 `json:"expectedAmount" binding:"omitempty,gt=0"`
}

type requestWithdrawalRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Destination string `json:"destination" binding:"required,eth_addr"`
}

type feeResponse struct {
	OfferID uuid.UUID `json:"offer_id"`
	Fee     int64     `json:"fee"`
}

// clean strips markup from free text that other users will see.
func (s *Server) clean(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(text))
}

// Offers

func (s *Server) handleListOpenOffers(c *gin.Context) {
	offers, err := s.market.ListOpenOffers(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offers)
}

func (s *Server) handleListAccountOffers(c *gin.Context) {
	offers, err := s.market.ListAccountOffers(c.Request.Context(), accountID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offers)
}

func (s *Server) handleCreateOffer(c *gin.Context) {
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBindError(c, err)
		return
	}

	offer, err := s.market.CreateOffer(c.Request.Context(), accountID(c), market.OfferSpec{
		OfferType:     req.OfferType,
		Amount:        req.Amount,
		Fee:           req.Fee,
		PricePerUnit:  req.PricePerUnit,
		Value:         req.Value,
		Currency:      s.clean(req.Currency),
		CryptoType:    s.clean(req.CryptoType),
		SettlementTag: s.clean(req.RevTag),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (s *Server) handleCloseOffer(c *gin.Context) {
	offerID, ok := s.pathUUID(c, "id")
	if !ok {
		return
	}

	offer, err := s.market.CloseOrStop(c.Request.Context(), accountID(c), offerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (s *Server) handleGetOfferFees(c *gin.Context) {
	offerID, ok := s.pathUUID(c, "id")
	if !ok {
		return
	}

	fee, err := s.market.AggregateFee(c.Request.Context(), offerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feeResponse{OfferID: offerID, Fee: fee})
}

// Transactions

func (s *Server) handleCreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBindError(c, err)
		return
	}

	txn, err := s.market.CreateTransaction(c.Request.Context(), req.OfferID, accountID(c), market.TransactionSpec{
		Amount:       req.Amount,
		PricePerUnit: req.Price,
		TakerFee:     req.TakerFee,
		MakerFee:     req.MakerFee,
		Value:        req.Value,
		Currency:     s.clean(req.Currency),
		CryptoType:   s.clean(req.CryptoType),
		Reference:    s.clean(req.RandomTitle),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) handleListTransactions(c *gin.Context) {
	txns, err := s.market.ListAccountTransactions(c.Request.Context(), accountID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txns)
}

func (s *Server) handleResolveTransaction(c *gin.Context) {
	txnID, ok := s.pathUUID(c, "id")
	if !ok {
		return
	}
	var req resolveTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBindError(c, err)
		return
	}

	txn, err := s.market.ResolveTransaction(c.Request.Context(), accountID(c), txnID, req.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Balance

func (s *Server) handleGetBalance(c *gin.Context) {
	projection, err := s.market.BalanceProjection(c.Request.Context(), accountID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, projection)
}

// Deposits

func (s *Server) handleSubmitDeposit(c *gin.Context) {
	var req submitDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBindError(c, err)
		return
	}

	attempt, err := s.deposits.SubmitDeposit(c.Request.Context(), accountID(c), req.TxHash, req.ExpectedAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

func (s *Server) handleGetDeposit(c *gin.Context) {
	attempt, err := s.deposits.GetDeposit(c.Request.Context(), accountID(c), c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (s *Server) handleListDeposits(c *gin.Context) {
	attempts, err := s.deposits.ListDeposits(c.Request.Context(), accountID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, attempts)
}

// Withdrawals

func (s *Server) handleRequestWithdrawal(c *gin.Context) {
	var req requestWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBindError(c, err)
		return
	}

	withdrawal, err := s.withdrawals.RequestWithdrawal(c.Request.Context(), accountID(c), req.Amount, req.Destination)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, withdrawal)
}

func (s *Server) handleGetWithdrawal(c *gin.Context) {
	id, ok := s.pathUUID(c, "id")
	if !ok {
		return
	}

	withdrawal, err := s.withdrawals.GetWithdrawal(c.Request.Context(), accountID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

func (s *Server) handleListWithdrawals(c *gin.Context) {
	withdrawals, err := s.withdrawals.ListWithdrawals(c.Request.Context(), accountID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawals)
}
