package registry

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/carbonledger/internal/messaging"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

// TransferType selects the escrow operation run by Dispatch.
type TransferType string

const (
	TransferLock     TransferType = "LOCK"
	TransferUnlock   TransferType = "UNLOCK"
	TransferTransfer TransferType = "TRANSFER"
)

// TransferRequest is the input shared by LOCK, UNLOCK and TRANSFER.
// ToUserID is only read by TRANSFER.
type TransferRequest struct {
	Type          TransferType    `json:"type"`
	FromUserID    string          `json:"fromUserId"`
	ToUserID      string          `json:"toUserId,omitempty"`
	OrderID       string          `json:"orderId"`
	CreditSerials []string        `json:"creditSerials"`
	Amount        decimal.Decimal `json:"amount"`
}

func (r *TransferRequest) validate() error {
	r.FromUserID = strings.TrimSpace(r.FromUserID)
	r.ToUserID = strings.TrimSpace(r.ToUserID)
	r.OrderID = strings.TrimSpace(r.OrderID)

	if err := requireID("fromUserId", r.FromUserID, maxUserIDLen); err != nil {
		return err
	}
	if err := requireID("orderId", r.OrderID, maxOrderIDLen); err != nil {
		return err
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	if len(r.CreditSerials) == 0 {
		return apperrors.Invalid.Explain("creditSerials is required").WithField("creditSerials", "required", "is required")
	}
	seen := make(map[string]struct{}, len(r.CreditSerials))
	for _, serial := range r.CreditSerials {
		if err := requireID("creditSerials", serial, maxSerialLen); err != nil {
			return err
		}
		if _, dup := seen[serial]; dup {
			return apperrors.Invalid.Explain("credit %s listed more than once", serial).WithField("creditSerials", "unique", "duplicate serial")
		}
		seen[serial] = struct{}{}
	}
	if r.Type == TransferTransfer {
		if err := requireID("toUserId", r.ToUserID, maxUserIDLen); err != nil {
			return err
		}
		if r.ToUserID == r.FromUserID {
			return apperrors.Invalid.Explain("toUserId must differ from fromUserId").WithField("toUserId", "nefield", "same as fromUserId")
		}
	}
	return nil
}

func (r *TransferRequest) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("type", string(r.Type)),
		attribute.String("from_user_id", r.FromUserID),
		attribute.String("to_user_id", r.ToUserID),
		attribute.String("order_id", r.OrderID),
		attribute.Int("credits", len(r.CreditSerials)),
	}
}

func (r *TransferRequest) eventData(entry *LedgerEntry) messaging.CreditEventData {
	return messaging.CreditEventData{
		LedgerEntryID: entry.ID,
		Operation:     string(entry.Type),
		FromUserID:    r.FromUserID,
		ToUserID:      r.ToUserID,
		OrderID:       r.OrderID,
		CreditSerials: append([]string(nil), r.CreditSerials...),
		Amount:        r.Amount,
		TxRef:         r.OrderID,
	}
}

// Dispatch routes req to Lock, Unlock or Transfer by req.Type.
func (s *Service) Dispatch(ctx context.Context, req TransferRequest) (*OperationResult, error) {
	switch req.Type {
	case TransferLock:
		return s.Lock(ctx, req)
	case TransferUnlock:
		return s.Unlock(ctx, req)
	case TransferTransfer:
		return s.Transfer(ctx, req)
	default:
		return nil, apperrors.Invalid.Explain("unknown transfer type %q", req.Type).
			WithField("type", "oneof", "must be LOCK, UNLOCK or TRANSFER")
	}
}

// heldCredits locks the requested credits and checks that every one exists,
// belongs to owner and is in status. For LOCKED credits it also checks they
// are held for orderID.
func heldCredits(tx *gorm.DB, serials []string, owner string, status CreditStatus, orderID string) ([]Credit, error) {
	credits, err := lockCredits(tx, serials)
	if err != nil {
		return nil, err
	}
	ok := len(credits) == len(serials)
	for _, c := range credits {
		if c.OwnerID != owner || c.Status != status {
			ok = false
		}
		if status == StatusLocked && c.LockOrderID != orderID {
			ok = false
		}
	}
	if !ok {
		if status == StatusMinted {
			return nil, apperrors.Invalid.Explain("one or more credits not found or already locked")
		}
		return nil, apperrors.Invalid.Explain("one or more credits not found or not locked for order %s", orderID)
	}
	return credits, nil
}

func setCreditState(tx *gorm.DB, credits []Credit, owner string, status CreditStatus, orderID string) error {
	err := tx.Model(&Credit{}).Where("serial IN ?", serialsOf(credits)).
		Updates(map[string]interface{}{
			"owner_id":      owner,
			"status":        status,
			"lock_order_id": orderID,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return err
	}
	for i := range credits {
		credits[i].OwnerID = owner
		credits[i].Status = status
		credits[i].LockOrderID = orderID
	}
	return nil
}

// Lock escrows the seller's credits against an order: the amount moves from
// the available balance into escrow[orderId] and the credits become LOCKED.
func (s *Service) Lock(ctx context.Context, req TransferRequest) (*OperationResult, error) {
	req.Type = TransferLock
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result OperationResult
	err := s.mutate(ctx, "lock", req.attrs(), func(tx *gorm.DB) error {
		w, err := lockWallet(tx, req.FromUserID)
		if err != nil {
			return err
		}
		credits, err := heldCredits(tx, req.CreditSerials, req.FromUserID, StatusMinted, "")
		if err != nil {
			return err
		}
		if sum := sumQuantity(credits); !sum.Equal(req.Amount) {
			return apperrors.Invalid.Explain("credit quantities %s do not match amount %s", sum, req.Amount)
		}
		if w.TotalBalance.LessThan(req.Amount) {
			return apperrors.Invalid.Explain("insufficient balance: %s available, %s requested", w.TotalBalance, req.Amount)
		}

		held, _, err := escrowAmount(tx, req.FromUserID, req.OrderID)
		if err != nil {
			return err
		}
		if err := adjustBalance(tx, w, req.Amount.Neg(), ""); err != nil {
			return err
		}
		if err := setEscrow(tx, req.FromUserID, req.OrderID, held.Add(req.Amount)); err != nil {
			return err
		}
		if err := setCreditState(tx, credits, req.FromUserID, StatusLocked, req.OrderID); err != nil {
			return err
		}

		entry := &LedgerEntry{
			Type:          LedgerLock,
			CreditSerials: StringArray(serialsOf(credits)),
			FromUserID:    req.FromUserID,
			Amount:        NewAmount(req.Amount),
			TxRef:         req.OrderID,
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}
		if err := emit(tx, messaging.TopicCreditsLocked, req.FromUserID, req.OrderID, req.eventData(entry)); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Credits = credits
		result.Wallets, err = loadViews(tx, req.FromUserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credits locked",
		zap.String("user_id", req.FromUserID),
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()))
	return &result, nil
}

// Unlock cancels an active lock: escrow[orderId] is cleared back into the
// available balance and the credits return to MINTED.
func (s *Service) Unlock(ctx context.Context, req TransferRequest) (*OperationResult, error) {
	req.Type = TransferUnlock
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result OperationResult
	err := s.mutate(ctx, "unlock", req.attrs(), func(tx *gorm.DB) error {
		w, err := lockWallet(tx, req.FromUserID)
		if err != nil {
			return err
		}
		credits, err := heldCredits(tx, req.CreditSerials, req.FromUserID, StatusLocked, req.OrderID)
		if err != nil {
			return err
		}
		if err := checkEscrow(tx, req, credits); err != nil {
			return err
		}

		if err := setEscrow(tx, req.FromUserID, req.OrderID, decimal.Zero); err != nil {
			return err
		}
		if err := adjustBalance(tx, w, req.Amount, ""); err != nil {
			return err
		}
		if err := setCreditState(tx, credits, req.FromUserID, StatusMinted, ""); err != nil {
			return err
		}

		entry := &LedgerEntry{
			Type:          LedgerUnlock,
			CreditSerials: StringArray(serialsOf(credits)),
			FromUserID:    req.FromUserID,
			Amount:        NewAmount(req.Amount),
			TxRef:         req.OrderID,
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}
		if err := emit(tx, messaging.TopicCreditsUnlocked, req.FromUserID, req.OrderID, req.eventData(entry)); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Credits = credits
		result.Wallets, err = loadViews(tx, req.FromUserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credits unlocked",
		zap.String("user_id", req.FromUserID),
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()))
	return &result, nil
}

// Transfer completes a sale of locked credits. The seller's escrow for the
// order is cleared, the buyer's available balance grows by the amount and
// the credits change owner. The seller's available balance was already
// reduced by Lock and is not touched again. A buyer without a wallet gets one.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*OperationResult, error) {
	req.Type = TransferTransfer
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result OperationResult
	err := s.mutate(ctx, "transfer", req.attrs(), func(tx *gorm.DB) error {
		var buyer *Wallet
		for _, id := range LockOrder(req.FromUserID, req.ToUserID) {
			var err error
			if id == req.ToUserID {
				buyer, err = ensureWallet(tx, id)
			} else {
				_, err = lockWallet(tx, id)
			}
			if err != nil {
				return err
			}
		}

		credits, err := heldCredits(tx, req.CreditSerials, req.FromUserID, StatusLocked, req.OrderID)
		if err != nil {
			return err
		}
		if err := checkEscrow(tx, req, credits); err != nil {
			return err
		}

		if err := setEscrow(tx, req.FromUserID, req.OrderID, decimal.Zero); err != nil {
			return err
		}
		if err := adjustBalance(tx, buyer, req.Amount, ""); err != nil {
			return err
		}
		if err := setCreditState(tx, credits, req.ToUserID, StatusMinted, ""); err != nil {
			return err
		}

		entry := &LedgerEntry{
			Type:          LedgerTransfer,
			CreditSerials: StringArray(serialsOf(credits)),
			FromUserID:    req.FromUserID,
			ToUserID:      req.ToUserID,
			Amount:        NewAmount(req.Amount),
			TxRef:         req.OrderID,
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}
		if err := emit(tx, messaging.TopicCreditsTransferred, req.FromUserID, req.OrderID, req.eventData(entry)); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Credits = credits
		result.Wallets, err = loadViews(tx, LockOrder(req.FromUserID, req.ToUserID)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credits transferred",
		zap.String("from_user_id", req.FromUserID),
		zap.String("to_user_id", req.ToUserID),
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()))
	return &result, nil
}

// checkEscrow requires escrow[orderId] and the credit total to both equal
// the requested amount.
func checkEscrow(tx *gorm.DB, req TransferRequest, credits []Credit) error {
	held, _, err := escrowAmount(tx, req.FromUserID, req.OrderID)
	if err != nil {
		return err
	}
	sum := sumQuantity(credits)
	if !held.Equal(req.Amount) || !sum.Equal(req.Amount) {
		return apperrors.Invalid.Explain("escrow %s and credit total %s do not match amount %s for order %s",
			held, sum, req.Amount, req.OrderID)
	}
	return nil
}
