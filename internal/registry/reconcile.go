package registry

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/carbonledger/pkg/metrics"
)

// ReconcileReport compares a wallet with the credits and ledger entries that
// should explain it.
//
//	TotalBalance + EscrowTotal == Holdings + Unbacked
//	EscrowTotal == LockedQuantity
//
// Holdings is the quantity of MINTED and LOCKED credits the user owns.
// Unbacked is the net of direct wallet credits and debits, which carry no
// serials.
type ReconcileReport struct {
	UserID         string          `json:"userId"`
	TotalBalance   decimal.Decimal `json:"totalBalance"`
	EscrowTotal    decimal.Decimal `json:"escrowTotal"`
	Holdings       decimal.Decimal `json:"holdings"`
	LockedQuantity decimal.Decimal `json:"lockedQuantity"`
	Unbacked       decimal.Decimal `json:"unbacked"`
	Balanced       bool            `json:"balanced"`
}

// Reconcile checks userID's wallet against its credits and ledger.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	var report *ReconcileReport
	err := s.read(ctx, "reconcile", func(tx *gorm.DB) error {
		var err error
		report, err = reconcileInTx(tx, userID)
		return err
	})
	return report, err
}

func reconcileInTx(tx *gorm.DB, userID string) (*ReconcileReport, error) {
	view, err := loadView(tx, userID)
	if err != nil {
		return nil, err
	}

	var credits []Credit
	err = tx.Where("owner_id = ? AND status IN ?", userID, []CreditStatus{StatusMinted, StatusLocked}).
		Find(&credits).Error
	if err != nil {
		return nil, err
	}

	var adjustments []LedgerEntry
	err = tx.Where("(type = ? AND to_user_id = ?) OR (type = ? AND from_user_id = ?)",
		LedgerMint, userID, LedgerBurn, userID).
		Find(&adjustments).Error
	if err != nil {
		return nil, err
	}

	r := &ReconcileReport{
		UserID:         userID,
		TotalBalance:   view.TotalBalance,
		EscrowTotal:    view.EscrowTotal(),
		Holdings:       decimal.Zero,
		LockedQuantity: decimal.Zero,
		Unbacked:       decimal.Zero,
	}
	for _, c := range credits {
		r.Holdings = r.Holdings.Add(c.Quantity.Decimal)
		if c.Status == StatusLocked {
			r.LockedQuantity = r.LockedQuantity.Add(c.Quantity.Decimal)
		}
	}
	for _, e := range adjustments {
		if e.Backed() {
			continue
		}
		if e.Type == LedgerMint {
			r.Unbacked = r.Unbacked.Add(e.Amount.Decimal)
		} else {
			r.Unbacked = r.Unbacked.Sub(e.Amount.Decimal)
		}
	}
	r.Balanced = r.TotalBalance.Add(r.EscrowTotal).Equal(r.Holdings.Add(r.Unbacked)) &&
		r.EscrowTotal.Equal(r.LockedQuantity)
	return r, nil
}

// ReconcileAll reconciles every wallet and returns the unbalanced reports.
// Each imbalance is logged and counted.
func (s *Service) ReconcileAll(ctx context.Context) ([]*ReconcileReport, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&Wallet{}).Order("user_id ASC").Pluck("user_id", &userIDs).Error; err != nil {
		return nil, s.classify("reconcile_all", err)
	}

	var imbalanced []*ReconcileReport
	for _, id := range userIDs {
		if err := ctx.Err(); err != nil {
			return imbalanced, err
		}
		report, err := s.Reconcile(ctx, id)
		if err != nil {
			s.logger.Warn("reconcile skipped wallet", zap.String("user_id", id), zap.Error(err))
			continue
		}
		if !report.Balanced {
			metrics.ReconcileImbalances.Inc()
			s.logger.Error("wallet out of balance",
				zap.String("user_id", id),
				zap.String("total_balance", report.TotalBalance.String()),
				zap.String("escrow", report.EscrowTotal.String()),
				zap.String("holdings", report.Holdings.String()),
				zap.String("locked", report.LockedQuantity.String()),
				zap.String("unbacked", report.Unbacked.String()))
			imbalanced = append(imbalanced, report)
		}
	}
	s.logger.Info("reconciliation finished", zap.Int("wallets", len(userIDs)), zap.Int("imbalanced", len(imbalanced)))
	return imbalanced, nil
}
