// Package server exposes the registry over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/carbonledger/internal/registry"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

// InternalSecretHeader carries the shared secret for internal-only routes.
const InternalSecretHeader = "X-Internal-Secret"

// Registry is the ledger surface the HTTP handlers call.
type Registry interface {
	CreateWallet(ctx context.Context, userID string, initialBalance decimal.Decimal) (*registry.WalletView, error)
	GetWallet(ctx context.Context, userID string) (*registry.WalletView, error)
	GetBalance(ctx context.Context, userID string) (*registry.Balance, error)
	CreditWallet(ctx context.Context, userID string, amount decimal.Decimal, meta registry.AdjustmentMetadata) (*registry.OperationResult, error)
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal, meta registry.AdjustmentMetadata) (*registry.OperationResult, error)
	ListLedger(ctx context.Context, userID string, limit, offset int) ([]registry.LedgerEntry, error)
	Reconcile(ctx context.Context, userID string) (*registry.ReconcileReport, error)
	Dispatch(ctx context.Context, req registry.TransferRequest) (*registry.OperationResult, error)
	Mint(ctx context.Context, req registry.MintRequest) (*registry.OperationResult, error)
	Retire(ctx context.Context, serial, ownerID, txRef, bucketPath string) (*registry.OperationResult, error)
	GetCredit(ctx context.Context, serial string) (*registry.Credit, error)
	ListCredits(ctx context.Context, ownerID string, status registry.CreditStatus) ([]registry.Credit, error)
	Ping(ctx context.Context) error
}

type Server struct {
	logger   *zap.Logger
	registry Registry
	secret   []byte
	validate *validator.Validate
	router   *gin.Engine
}

func NewServer(logger *zap.Logger, reg Registry, internalSecret string) *Server {
	s := &Server{
		logger:   logger.Named("http"),
		registry: reg,
		secret:   []byte(internalSecret),
		validate: newValidator(),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("carbon-registry"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", InternalSecretHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		wallets := v1.Group("/wallets")
		{
			wallets.POST("", s.createWallet)
			wallets.POST("/transfer", s.transfer)
			wallets.GET("/:userId", s.getWallet)
			wallets.GET("/:userId/balance", s.getBalance)
			wallets.POST("/:userId/credit", s.creditWallet)
			wallets.POST("/:userId/debit", s.debitWallet)
			wallets.GET("/:userId/ledger", s.listLedger)
			wallets.GET("/:userId/reconcile", s.reconcile)
		}

		reg := v1.Group("/registry")
		{
			reg.GET("/credits", s.listCredits)
			reg.GET("/credits/:serial", s.getCredit)

			internal := reg.Group("", s.internalOnly())
			internal.POST("/mint", s.mint)
			internal.POST("/credits/:serial/retire", s.retire)
		}
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// internalOnly admits requests carrying the internal shared secret.
func (s *Server) internalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalSecretHeader))
		if len(s.secret) == 0 || subtle.ConstantTimeCompare(got, s.secret) != 1 {
			s.logger.Warn("rejected internal call",
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()))
			s.abortWithError(c, apperrors.Unauthorized.Explain("internal secret required"))
			return
		}
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.registry.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// abortWithError writes err as an RFC 7807 problem document.
func (s *Server) abortWithError(c *gin.Context, err error) {
	problem := apperrors.Problem(err, c.Request.URL.Path)
	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// bind decodes the JSON body into dst and validates it.
func (s *Server) bind(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperrors.Invalid.Explain("malformed JSON body").Wrap(err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}
