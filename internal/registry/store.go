package registry

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/carbonledger/internal/messaging"
	"github.com/Aidin1998/carbonledger/internal/outbox"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

var forUpdate = clause.Locking{Strength: "UPDATE"}

// lockWallet loads the wallet row for update. A missing wallet is NotFound.
func lockWallet(tx *gorm.DB, userID string) (*Wallet, error) {
	var w Wallet
	res := tx.Clauses(forUpdate).Where("user_id = ?", userID).Limit(1).Find(&w)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NotFound.Explain("wallet %s not found", userID)
	}
	return &w, nil
}

// ensureWallet creates the wallet with a zero balance if absent and returns
// it locked.
func ensureWallet(tx *gorm.DB, userID string) (*Wallet, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&Wallet{UserID: userID, TotalBalance: NewAmount(decimal.Zero)}).Error
	if err != nil {
		return nil, err
	}
	return lockWallet(tx, userID)
}

// lockCredits locks the named credit rows in ascending serial order. Rows
// that do not exist are simply absent from the result.
func lockCredits(tx *gorm.DB, serials []string) ([]Credit, error) {
	sorted := append([]string(nil), serials...)
	sort.Strings(sorted)
	var credits []Credit
	err := tx.Clauses(forUpdate).
		Where("serial IN ?", sorted).
		Order("serial ASC").
		Find(&credits).Error
	return credits, err
}

// setBalance writes the new available balance. It refuses to go negative.
func setBalance(tx *gorm.DB, w *Wallet, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return apperrors.Invalid.Explain("insufficient balance: wallet %s has %s", w.UserID, w.TotalBalance)
	}
	err := tx.Model(&Wallet{}).Where("user_id = ?", w.UserID).
		Updates(map[string]interface{}{"total_balance": balance, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return err
	}
	w.TotalBalance = NewAmount(balance)
	return nil
}

var bucketSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxBucketDepth = 8

// ValidBucketPath reports whether path is a dotted sequence of at most eight
// [A-Za-z0-9_-] segments.
func ValidBucketPath(path string) bool {
	segments := strings.Split(path, ".")
	if len(segments) > maxBucketDepth {
		return false
	}
	for _, seg := range segments {
		if !bucketSegment.MatchString(seg) {
			return false
		}
	}
	return true
}

// adjustBalance applies delta to the available balance of a locked wallet
// and, when bucketPath is set, to that bucket as well.
func adjustBalance(tx *gorm.DB, w *Wallet, delta decimal.Decimal, bucketPath string) error {
	if err := setBalance(tx, w, w.TotalBalance.Add(delta)); err != nil {
		return err
	}
	if bucketPath == "" {
		return nil
	}
	if !ValidBucketPath(bucketPath) {
		return apperrors.Invalid.Explain("invalid bucket path %q", bucketPath)
	}

	var bucket WalletBucket
	res := tx.Where("wallet_user_id = ? AND path = ?", w.UserID, bucketPath).Limit(1).Find(&bucket)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if delta.IsNegative() {
			return apperrors.Invalid.Explain("bucket %s would go negative", bucketPath)
		}
		return tx.Create(&WalletBucket{WalletUserID: w.UserID, Path: bucketPath, Amount: NewAmount(delta)}).Error
	}
	next := bucket.Amount.Add(delta)
	if next.IsNegative() {
		return apperrors.Invalid.Explain("bucket %s would go negative", bucketPath)
	}
	return tx.Model(&WalletBucket{}).
		Where("wallet_user_id = ? AND path = ?", w.UserID, bucketPath).
		Updates(map[string]interface{}{"amount": next, "updated_at": time.Now().UTC()}).Error
}

// escrowAmount returns the amount held for orderID, zero if none.
func escrowAmount(tx *gorm.DB, userID, orderID string) (decimal.Decimal, bool, error) {
	var e EscrowEntry
	res := tx.Where("wallet_user_id = ? AND order_id = ?", userID, orderID).Limit(1).Find(&e)
	if res.Error != nil {
		return decimal.Zero, false, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, false, nil
	}
	return e.Amount.Decimal, true, nil
}

// setEscrow stores the escrow amount for orderID. Zero removes the entry.
func setEscrow(tx *gorm.DB, userID, orderID string, amount decimal.Decimal) error {
	_, exists, err := escrowAmount(tx, userID, orderID)
	if err != nil {
		return err
	}
	switch {
	case amount.IsZero():
		if !exists {
			return nil
		}
		return tx.Where("wallet_user_id = ? AND order_id = ?", userID, orderID).Delete(&EscrowEntry{}).Error
	case exists:
		return tx.Model(&EscrowEntry{}).
			Where("wallet_user_id = ? AND order_id = ?", userID, orderID).
			Updates(map[string]interface{}{"amount": amount, "updated_at": time.Now().UTC()}).Error
	default:
		return tx.Create(&EscrowEntry{WalletUserID: userID, OrderID: orderID, Amount: NewAmount(amount)}).Error
	}
}

func appendLedger(tx *gorm.DB, entry *LedgerEntry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	return tx.Create(entry).Error
}

// emit writes the event for entry into the outbox inside tx.
func emit(tx *gorm.DB, topic messaging.Topic, key, correlationID string, data messaging.CreditEventData) error {
	ev := messaging.NewCreditEvent(topic, correlationID, data)
	_, err := outbox.Enqueue(tx, string(topic), key, ev)
	return err
}

// loadView reads a wallet with its escrow and buckets.
func loadView(tx *gorm.DB, userID string) (*WalletView, error) {
	var w Wallet
	res := tx.Where("user_id = ?", userID).Limit(1).Find(&w)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NotFound.Explain("wallet %s not found", userID)
	}

	var escrow []EscrowEntry
	if err := tx.Where("wallet_user_id = ?", userID).Find(&escrow).Error; err != nil {
		return nil, err
	}
	var buckets []WalletBucket
	if err := tx.Where("wallet_user_id = ?", userID).Find(&buckets).Error; err != nil {
		return nil, err
	}

	view := &WalletView{
		UserID:       w.UserID,
		TotalBalance: w.TotalBalance.Decimal,
		Escrow:       make(map[string]decimal.Decimal, len(escrow)),
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
	for _, e := range escrow {
		view.Escrow[e.OrderID] = e.Amount.Decimal
	}
	if len(buckets) > 0 {
		view.Buckets = make(map[string]decimal.Decimal, len(buckets))
		for _, b := range buckets {
			view.Buckets[b.Path] = b.Amount.Decimal
		}
	}
	return view, nil
}

func loadViews(tx *gorm.DB, userIDs ...string) ([]*WalletView, error) {
	views := make([]*WalletView, 0, len(userIDs))
	for _, id := range userIDs {
		v, err := loadView(tx, id)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func sumQuantity(credits []Credit) decimal.Decimal {
	total := decimal.Zero
	for _, c := range credits {
		total = total.Add(c.Quantity.Decimal)
	}
	return total
}

func serialsOf(credits []Credit) []string {
	out := make([]string, len(credits))
	for i, c := range credits {
		out[i] = c.Serial
	}
	return out
}
