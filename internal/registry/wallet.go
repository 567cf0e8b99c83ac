package registry

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/carbonledger/internal/messaging"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

// AdjustmentMetadata annotates a direct wallet credit or debit.
type AdjustmentMetadata struct {
	TxRef        string `json:"txRef,omitempty"`
	CreditSerial string `json:"creditSerial,omitempty"`
	BucketPath   string `json:"bucketPath,omitempty"`
}

// CreateWallet creates userID's wallet. A positive initial balance is
// recorded as an unbacked MINT entry so the ledger still explains it.
func (s *Service) CreateWallet(ctx context.Context, userID string, initialBalance decimal.Decimal) (*WalletView, error) {
	if err := requireID("userId", userID, maxUserIDLen); err != nil {
		return nil, err
	}
	if initialBalance.IsNegative() {
		return nil, apperrors.Invalid.Explain("initialBalance must not be negative")
	}

	var view *WalletView
	err := s.mutate(ctx, "create_wallet", []attribute.KeyValue{attribute.String("user_id", userID)}, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Wallet{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperrors.Conflict.Explain("wallet %s already exists", userID)
		}
		if err := tx.Create(&Wallet{UserID: userID, TotalBalance: NewAmount(initialBalance)}).Error; err != nil {
			return err
		}
		if initialBalance.IsPositive() {
			entry := &LedgerEntry{Type: LedgerMint, ToUserID: userID, Amount: NewAmount(initialBalance), TxRef: "wallet-open"}
			if err := appendLedger(tx, entry); err != nil {
				return err
			}
		}
		var err error
		view, err = loadView(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet created", zap.String("user_id", userID), zap.String("initial_balance", initialBalance.String()))
	return view, nil
}

func (s *Service) GetWallet(ctx context.Context, userID string) (*WalletView, error) {
	var view *WalletView
	err := s.read(ctx, "get_wallet", func(tx *gorm.DB) error {
		var err error
		view, err = loadView(tx, userID)
		return err
	})
	return view, err
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	view, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		UserID:       view.UserID,
		TotalBalance: view.TotalBalance,
		Escrow:       view.Escrow,
		Buckets:      view.Buckets,
	}, nil
}

// CreditWallet adds amount to an existing wallet without minting credits.
func (s *Service) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal, meta AdjustmentMetadata) (*OperationResult, error) {
	return s.adjustWallet(ctx, "credit_wallet", userID, amount, meta)
}

// DebitWallet removes amount from an existing wallet. It fails with Invalid
// when amount exceeds the available balance.
func (s *Service) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal, meta AdjustmentMetadata) (*OperationResult, error) {
	return s.adjustWallet(ctx, "debit_wallet", userID, amount.Neg(), meta)
}

func (s *Service) adjustWallet(ctx context.Context, op, userID string, delta decimal.Decimal, meta AdjustmentMetadata) (*OperationResult, error) {
	if err := requireID("userId", userID, maxUserIDLen); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", delta.Abs()); err != nil {
		return nil, err
	}
	if err := optionalBucket(meta.BucketPath); err != nil {
		return nil, err
	}
	if err := optionalTxRef(meta.TxRef); err != nil {
		return nil, err
	}

	var result OperationResult
	attrs := []attribute.KeyValue{attribute.String("user_id", userID), attribute.String("amount", delta.String())}
	err := s.mutate(ctx, op, attrs, func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID)
		if err != nil {
			return err
		}
		if delta.IsNegative() && delta.Abs().GreaterThan(w.TotalBalance.Decimal) {
			return apperrors.Invalid.Explain("insufficient balance: debit %s exceeds available %s", delta.Abs(), w.TotalBalance)
		}
		if err := adjustBalance(tx, w, delta, meta.BucketPath); err != nil {
			return err
		}

		entry := &LedgerEntry{Amount: NewAmount(delta.Abs()), TxRef: meta.TxRef}
		topic := messaging.TopicCreditsMinted
		if delta.IsNegative() {
			entry.Type, entry.FromUserID = LedgerBurn, userID
			topic = messaging.TopicCreditsTransferred
		} else {
			entry.Type, entry.ToUserID = LedgerMint, userID
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}

		data := messaging.CreditEventData{
			LedgerEntryID: entry.ID,
			Operation:     string(entry.Type),
			FromUserID:    entry.FromUserID,
			ToUserID:      entry.ToUserID,
			Amount:        entry.Amount.Decimal,
			TxRef:         meta.TxRef,
			BucketPath:    meta.BucketPath,
		}
		if meta.CreditSerial != "" {
			data.CreditSerials = []string{meta.CreditSerial}
		}
		if err := emit(tx, topic, userID, meta.TxRef, data); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Wallets, err = loadViews(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListLedger returns the entries where userID is sender or receiver, newest
// first.
func (s *Service) ListLedger(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var entries []LedgerEntry
	err := s.read(ctx, "list_ledger", func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Wallet{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NotFound.Explain("wallet %s not found", userID)
		}
		return tx.Where("from_user_id = ? OR to_user_id = ?", userID, userID).
			Order("created_at DESC").Order("id DESC").
			Limit(limit).Offset(offset).
			Find(&entries).Error
	})
	return entries, err
}
