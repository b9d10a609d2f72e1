// Package server is the HTTP transport over the offer book and the on-chain
// settlement services.
package server

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/config"
	"github.com/Aidin1998/p2pex/internal/market"
	"github.com/Aidin1998/p2pex/internal/wallet"
)

// MarketService is the offer book and transaction lifecycle.
type MarketService interface {
	CreateOffer(ctx context.Context, ownerID uuid.UUID, spec market.OfferSpec) (*market.Offer, error)
	ListOpenOffers(ctx context.Context) ([]market.OfferView, error)
	ListAccountOffers(ctx context.Context, ownerID uuid.UUID) ([]market.OfferView, error)
	CloseOrStop(ctx context.Context, ownerID, offerID uuid.UUID) (*market.Offer, error)
	CreateTransaction(ctx context.Context, offerID, takerID uuid.UUID, spec market.TransactionSpec) (*market.Transaction, error)
	ResolveTransaction(ctx context.Context, accountID, transactionID uuid.UUID, outcome market.TransactionStatus) (*market.Transaction, error)
	ListAccountTransactions(ctx context.Context, accountID uuid.UUID) ([]market.Transaction, error)
	AggregateFee(ctx context.Context, offerID uuid.UUID) (int64, error)
	BalanceProjection(ctx context.Context, accountID uuid.UUID) (*market.BalanceProjection, error)
}

// DepositService watches inbound transfers.
type DepositService interface {
	SubmitDeposit(ctx context.Context, submittedBy uuid.UUID, txHash string, expectedAmount *int64) (*wallet.DepositAttempt, error)
	GetDeposit(ctx context.Context, accountID uuid.UUID, txHash string) (*wallet.DepositAttempt, error)
	ListDeposits(ctx context.Context, accountID uuid.UUID) ([]*wallet.DepositAttempt, error)
}

// WithdrawalService sends outbound transfers.
type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, accountID uuid.UUID, amount int64, destination string) (*wallet.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, accountID, id uuid.UUID) (*wallet.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, accountID uuid.UUID) ([]*wallet.WithdrawalRequest, error)
}

// Server represents the HTTP server
type Server struct {
	logger      *zap.Logger
	cfg         config.ServerConfig
	secret      []byte
	market      MarketService
	deposits    DepositService
	withdrawals WithdrawalService
	limiter     RateLimiter
	sanitizer   *bluemonday.Policy
}

// NewServer creates a new HTTP server. deposits and withdrawals may be nil
// when on-chain settlement is disabled; their routes then answer 503. A nil
// limiter disables rate limiting.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	market MarketService,
	deposits DepositService,
	withdrawals WithdrawalService,
	limiter RateLimiter,
) *Server {
	registerValidators()
	return &Server{
		logger:      logger.Named("http"),
		cfg:         cfg,
		secret:      []byte(cfg.JWTSecret),
		market:      market,
		deposits:    deposits,
		withdrawals: withdrawals,
		limiter:     limiter,
		sanitizer:   bluemonday.StrictPolicy(),
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(otelgin.Middleware("p2pex"))
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(s.corsConfig()))
	router.Use(metricsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := router.Group("/public")
	{
		public.GET("/offers", s.handleListOpenOffers)
	}

	private := router.Group("/private", s.authMiddleware())
	{
		private.GET("/balance", s.handleGetBalance)

		offers := private.Group("/offers")
		{
			offers.POST("", s.handleCreateOffer)
			offers.GET("", s.handleListAccountOffers)
			offers.POST("/:id/close", s.handleCloseOffer)
			offers.GET("/:id/fees", s.handleGetOfferFees)
		}

		transactions := private.Group("/transactions")
		{
			transactions.POST("", s.handleCreateTransaction)
			transactions.GET("", s.handleListTransactions)
			transactions.POST("/:id/resolve", s.handleResolveTransaction)
		}

		deposits := private.Group("/deposits", s.requireChain(s.deposits != nil))
		{
			deposits.POST("", s.rateLimit("deposits"), s.handleSubmitDeposit)
			deposits.GET("", s.handleListDeposits)
			deposits.GET("/:hash", s.handleGetDeposit)
		}

		withdrawals := private.Group("/withdrawals", s.requireChain(s.withdrawals != nil))
		{
			withdrawals.POST("", s.rateLimit("withdrawals"), s.handleRequestWithdrawal)
			withdrawals.GET("", s.handleListWithdrawals)
			withdrawals.GET("/:id", s.handleGetWithdrawal)
		}
	}

	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = s.cfg.AllowedOrigins
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) requireChain(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			s.writeProblem(c, errors.NewProblemDetails(errors.TypeChainUnavailable, errors.TitleChainUnavailable,
				http.StatusServiceUnavailable, "on-chain settlement is not configured", c.Request.URL.Path))
			return
		}
		c.Next()
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
