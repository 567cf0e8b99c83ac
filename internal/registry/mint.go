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

// MintRequest issues a new serialized credit.
type MintRequest struct {
	Serial       string          `json:"serial"`
	OwnerID      string          `json:"ownerId"`
	Quantity     decimal.Decimal `json:"quantity"`
	SourceTripID string          `json:"sourceTripId,omitempty"`
	TxRef        string          `json:"txRef,omitempty"`
	BucketPath   string          `json:"bucketPath,omitempty"`
}

func (r *MintRequest) validate() error {
	r.Serial = strings.TrimSpace(r.Serial)
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	if err := requireID("serial", r.Serial, maxSerialLen); err != nil {
		return err
	}
	if err := requireID("ownerId", r.OwnerID, maxUserIDLen); err != nil {
		return err
	}
	if err := requirePositive("quantity", r.Quantity); err != nil {
		return err
	}
	if err := optionalTxRef(r.TxRef); err != nil {
		return err
	}
	return optionalBucket(r.BucketPath)
}

// Mint creates a MINTED credit owned by req.OwnerID and credits the owner's
// wallet, creating it if needed. A serial that already exists is a Conflict
// and changes nothing.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*OperationResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result OperationResult
	attrs := []attribute.KeyValue{attribute.String("serial", req.Serial), attribute.String("owner_id", req.OwnerID)}
	err := s.mutate(ctx, "mint", attrs, func(tx *gorm.DB) error {
		existing, err := lockCredits(tx, []string{req.Serial})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperrors.Conflict.Explain("credit %s already minted", req.Serial)
		}

		w, err := ensureWallet(tx, req.OwnerID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		credit := Credit{
			Serial:       req.Serial,
			OwnerID:      req.OwnerID,
			Quantity:     NewAmount(req.Quantity),
			Status:       StatusMinted,
			SourceTripID: req.SourceTripID,
			MintedAt:     now,
		}
		if err := tx.Create(&credit).Error; err != nil {
			return err
		}

		txRef := req.TxRef
		if txRef == "" {
			txRef = req.SourceTripID
		}
		entry := &LedgerEntry{
			Type:          LedgerMint,
			CreditSerials: StringArray{req.Serial},
			ToUserID:      req.OwnerID,
			Amount:        NewAmount(req.Quantity),
			TxRef:         txRef,
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}
		if err := adjustBalance(tx, w, req.Quantity, req.BucketPath); err != nil {
			return err
		}

		if err := emit(tx, messaging.TopicCreditsMinted, req.OwnerID, txRef, messaging.CreditEventData{
			LedgerEntryID: entry.ID,
			Operation:     string(LedgerMint),
			ToUserID:      req.OwnerID,
			CreditSerials: []string{req.Serial},
			Amount:        req.Quantity,
			TxRef:         txRef,
			SourceTripID:  req.SourceTripID,
			BucketPath:    req.BucketPath,
		}); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Credits = []Credit{credit}
		result.Wallets, err = loadViews(tx, req.OwnerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit minted",
		zap.String("serial", req.Serial),
		zap.String("owner_id", req.OwnerID),
		zap.String("quantity", req.Quantity.String()))
	return &result, nil
}

// MintFromVerification adapts Mint for the verification consumer.
func (s *Service) MintFromVerification(ctx context.Context, req messaging.MintRequest) error {
	_, err := s.Mint(ctx, MintRequest{
		Serial:       req.Serial,
		OwnerID:      req.OwnerID,
		Quantity:     req.Quantity,
		SourceTripID: req.SourceTripID,
	})
	return err
}

// Retire burns a MINTED credit held by ownerID and removes its quantity from
// the owner's available balance and, when bucketPath is set, from that bucket.
func (s *Service) Retire(ctx context.Context, serial, ownerID, txRef, bucketPath string) (*OperationResult, error) {
	if err := requireID("serial", serial, maxSerialLen); err != nil {
		return nil, err
	}
	if err := requireID("ownerId", ownerID, maxUserIDLen); err != nil {
		return nil, err
	}
	if err := optionalTxRef(txRef); err != nil {
		return nil, err
	}
	if err := optionalBucket(bucketPath); err != nil {
		return nil, err
	}

	var result OperationResult
	attrs := []attribute.KeyValue{attribute.String("serial", serial), attribute.String("owner_id", ownerID)}
	err := s.mutate(ctx, "retire", attrs, func(tx *gorm.DB) error {
		w, err := lockWallet(tx, ownerID)
		if err != nil {
			return err
		}
		credits, err := lockCredits(tx, []string{serial})
		if err != nil {
			return err
		}
		if len(credits) == 0 {
			return apperrors.NotFound.Explain("credit %s not found", serial)
		}
		credit := credits[0]
		if credit.OwnerID != ownerID || !credit.Status.CanTransitionTo(StatusRetired) {
			return apperrors.Invalid.Explain("credit %s is not an unlocked credit owned by %s", serial, ownerID)
		}
		if err := adjustBalance(tx, w, credit.Quantity.Neg(), bucketPath); err != nil {
			return err
		}
		if err := tx.Model(&Credit{}).Where("serial = ?", serial).
			Updates(map[string]interface{}{"status": StatusRetired, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
		credit.Status = StatusRetired

		entry := &LedgerEntry{
			Type:          LedgerBurn,
			CreditSerials: StringArray{serial},
			FromUserID:    ownerID,
			Amount:        credit.Quantity,
			TxRef:         txRef,
		}
		if err := appendLedger(tx, entry); err != nil {
			return err
		}
		if err := emit(tx, messaging.TopicCreditsRetired, ownerID, txRef, messaging.CreditEventData{
			LedgerEntryID: entry.ID,
			Operation:     string(LedgerBurn),
			FromUserID:    ownerID,
			CreditSerials: []string{serial},
			Amount:        credit.Quantity.Decimal,
			TxRef:         txRef,
			BucketPath:    bucketPath,
		}); err != nil {
			return err
		}

		result.LedgerEntry = entry
		result.Credits = []Credit{credit}
		result.Wallets, err = loadViews(tx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit retired", zap.String("serial", serial), zap.String("owner_id", ownerID))
	return &result, nil
}

func (s *Service) GetCredit(ctx context.Context, serial string) (*Credit, error) {
	var credit Credit
	err := s.read(ctx, "get_credit", func(tx *gorm.DB) error {
		res := tx.Where("serial = ?", serial).Limit(1).Find(&credit)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound.Explain("credit %s not found", serial)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

// ListCredits returns ownerID's credits ordered by serial, optionally
// filtered by status.
func (s *Service) ListCredits(ctx context.Context, ownerID string, status CreditStatus) ([]Credit, error) {
	if err := requireID("ownerId", ownerID, maxUserIDLen); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, apperrors.Invalid.Explain("unknown credit status %q", status)
	}
	var credits []Credit
	err := s.read(ctx, "list_credits", func(tx *gorm.DB) error {
		q := tx.Where("owner_id = ?", ownerID)
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q.Order("serial ASC").Find(&credits).Error
	})
	return credits, err
}
