package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/carbonledger/internal/registry"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

type createWalletBody struct {
	UserID         string          `json:"userId" validate:"required,userid"`
	InitialBalance decimal.Decimal `json:"initialBalance" validate:"dnonneg"`
}

type adjustBody struct {
	Amount   decimal.Decimal             `json:"amount" validate:"dpos"`
	Metadata registry.AdjustmentMetadata `json:"metadata"`
}

type transferBody struct {
	Type          registry.TransferType `json:"type" validate:"required,oneof=LOCK UNLOCK TRANSFER"`
	FromUserID    string                `json:"fromUserId" validate:"required,userid"`
	ToUserID      string                `json:"toUserId" validate:"required_if=Type TRANSFER,omitempty,userid"`
	Amount        decimal.Decimal       `json:"amount" validate:"dpos"`
	OrderID       string                `json:"orderId" validate:"required,max=128"`
	CreditSerials []string              `json:"creditSerials" validate:"required,min=1,unique,dive,serial"`
}

type mintMetadata struct {
	TxRef      string `json:"txRef" validate:"max=128"`
	BucketPath string `json:"bucketPath" validate:"omitempty,bucketpath"`
}

type mintBody struct {
	Serial       string          `json:"serial" validate:"required,serial"`
	OwnerID      string          `json:"ownerId" validate:"required,userid"`
	Quantity     decimal.Decimal `json:"quantity" validate:"dpos"`
	SourceTripID string          `json:"sourceTripId" validate:"max=128"`
	Metadata     mintMetadata    `json:"metadata"`
}

type retireBody struct {
	OwnerID    string `json:"ownerId" validate:"required,userid"`
	TxRef      string `json:"txRef" validate:"max=128"`
	BucketPath string `json:"bucketPath" validate:"omitempty,bucketpath"`
}

func (s *Server) createWallet(c *gin.Context) {
	var body createWalletBody
	if err := s.bind(c, &body); err != nil {
		s.abortWithError(c, err)
		return
	}
	view, err := s.registry.CreateWallet(c.Request.Context(), body.UserID, body.InitialBalance)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) getWallet(c *gin.Context) {
	view, err := s.registry.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getBalance(c *gin.Context) {
	balance, err := s.registry.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) creditWallet(c *gin.Context) {
	s.adjust(c, s.registry.CreditWallet)
}

func (s *Server) debitWallet(c *gin.Context) {
	s.adjust(c, s.registry.DebitWallet)
}

type adjustFunc func(ctx context.Context, userID string, amount decimal.Decimal, meta registry.AdjustmentMetadata) (*registry.OperationResult, error)

func (s *Server) adjust(c *gin.Context, fn adjustFunc) {
	var body adjustBody
	if err := s.bind(c, &body); err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := fn(c.Request.Context(), c.Param("userId"), body.Amount, body.Metadata)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": res.Wallets[0], "ledgerEntry": res.LedgerEntry})
}

func (s *Server) listLedger(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	entries, err := s.registry.ListLedger(c.Request.Context(), c.Param("userId"), limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "offset": offset})
}

func (s *Server) reconcile(c *gin.Context) {
	report, err := s.registry.Reconcile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) transfer(c *gin.Context) {
	var body transferBody
	if err := s.bind(c, &body); err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := s.registry.Dispatch(c.Request.Context(), registry.TransferRequest{
		Type:          body.Type,
		FromUserID:    body.FromUserID,
		ToUserID:      body.ToUserID,
		OrderID:       body.OrderID,
		CreditSerials: body.CreditSerials,
		Amount:        body.Amount,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) mint(c *gin.Context) {
	var body mintBody
	if err := s.bind(c, &body); err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := s.registry.Mint(c.Request.Context(), registry.MintRequest{
		Serial:       body.Serial,
		OwnerID:      body.OwnerID,
		Quantity:     body.Quantity,
		SourceTripID: body.SourceTripID,
		TxRef:        body.Metadata.TxRef,
		BucketPath:   body.Metadata.BucketPath,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) retire(c *gin.Context) {
	var body retireBody
	if err := s.bind(c, &body); err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := s.registry.Retire(c.Request.Context(), c.Param("serial"), body.OwnerID, body.TxRef, body.BucketPath)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getCredit(c *gin.Context) {
	credit, err := s.registry.GetCredit(c.Request.Context(), c.Param("serial"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, credit)
}

func (s *Server) listCredits(c *gin.Context) {
	owner := c.Query("ownerId")
	if owner == "" {
		s.abortWithError(c, apperrors.Invalid.Explain("ownerId query parameter is required").
			WithField("ownerId", "required", "is required"))
		return
	}
	credits, err := s.registry.ListCredits(c.Request.Context(), owner, registry.CreditStatus(c.Query("status")))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Invalid.Explain("%s must be a non-negative integer", key).WithField(key, "numeric", "must be a non-negative integer")
	}
	return n, nil
}
