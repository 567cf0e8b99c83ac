package registry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CreditStatus is the lifecycle state of a serialized credit.
type CreditStatus string

const (
	StatusMinted  CreditStatus = "MINTED"
	StatusLocked  CreditStatus = "LOCKED"
	StatusRetired CreditStatus = "RETIRED"
)

func (s CreditStatus) Valid() bool {
	switch s {
	case StatusMinted, StatusLocked, StatusRetired:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s. RETIRED is
// terminal.
func (s CreditStatus) CanTransitionTo(next CreditStatus) bool {
	switch s {
	case StatusMinted:
		return next == StatusLocked || next == StatusRetired
	case StatusLocked:
		return next == StatusMinted
	}
	return false
}

// LedgerType classifies a ledger entry.
type LedgerType string

const (
	LedgerMint     LedgerType = "MINT"
	LedgerLock     LedgerType = "LOCK"
	LedgerUnlock   LedgerType = "UNLOCK"
	LedgerTransfer LedgerType = "TRANSFER"
	LedgerBurn     LedgerType = "BURN"
)

// Wallet holds a user's available balance. Escrowed amounts live in
// EscrowEntry rows and categorized totals in WalletBucket rows.
type Wallet struct {
	UserID       string    `gorm:"type:varchar(64);primaryKey" json:"userId"`
	TotalBalance Amount    `gorm:"not null" json:"totalBalance"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EscrowEntry is the amount a wallet holds against one order. A cleared
// entry is deleted rather than kept at zero.
type EscrowEntry struct {
	WalletUserID string    `gorm:"type:varchar(64);primaryKey" json:"userId"`
	OrderID      string    `gorm:"type:varchar(128);primaryKey" json:"orderId"`
	Amount       Amount    `gorm:"not null" json:"amount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WalletBucket is a categorized running total addressed by a dotted path,
// e.g. "projects.solar-42".
type WalletBucket struct {
	WalletUserID string    `gorm:"type:varchar(64);primaryKey" json:"userId"`
	Path         string    `gorm:"type:varchar(255);primaryKey" json:"path"`
	Amount       Amount    `gorm:"not null" json:"amount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Credit is one serialized carbon-credit unit. Quantity never changes after
// mint. LockOrderID names the order holding the credit while LOCKED.
type Credit struct {
	Serial       string       `gorm:"type:varchar(128);primaryKey" json:"serial"`
	OwnerID      string       `gorm:"type:varchar(64);not null;index:idx_credits_owner_status,priority:1" json:"ownerId"`
	Quantity     Amount       `gorm:"not null" json:"quantity"`
	Status       CreditStatus `gorm:"type:varchar(16);not null;index:idx_credits_owner_status,priority:2" json:"status"`
	LockOrderID  string       `gorm:"type:varchar(128)" json:"lockOrderId,omitempty"`
	SourceTripID string       `gorm:"type:varchar(128)" json:"sourceTripId,omitempty"`
	MintedAt     time.Time    `json:"mintedAt"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// LedgerEntry is an append-only audit record. Entries without serials are
// balance adjustments not backed by credits.
type LedgerEntry struct {
	ID            string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreditSerials StringArray `gorm:"type:text" json:"creditSerials"`
	Type          LedgerType  `gorm:"type:varchar(16);not null;index" json:"type"`
	FromUserID    string      `gorm:"type:varchar(64);index" json:"fromUserId,omitempty"`
	ToUserID      string      `gorm:"type:varchar(64);index" json:"toUserId,omitempty"`
	Amount        Amount      `gorm:"not null" json:"amount"`
	TxRef         string      `gorm:"type:varchar(128)" json:"txRef,omitempty"`
	CreatedAt     time.Time   `gorm:"index" json:"createdAt"`
}

// Backed reports whether the entry moves serialized credits.
func (e *LedgerEntry) Backed() bool {
	return len(e.CreditSerials) > 0
}

// Models lists the tables owned by this package for migration.
func Models() []interface{} {
	return []interface{}{&Wallet{}, &EscrowEntry{}, &WalletBucket{}, &Credit{}, &LedgerEntry{}}
}

// StringArray stores a []string as a JSON text column.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}
	return json.Unmarshal(bytes, a)
}

// WalletView is a wallet with its escrow and bucket rows folded into maps.
type WalletView struct {
	UserID       string                     `json:"userId"`
	TotalBalance decimal.Decimal            `json:"totalBalance"`
	Escrow       map[string]decimal.Decimal `json:"escrow"`
	Buckets      map[string]decimal.Decimal `json:"buckets,omitempty"`
	CreatedAt    time.Time                  `json:"createdAt"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// EscrowTotal sums every escrow entry.
func (v *WalletView) EscrowTotal() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range v.Escrow {
		total = total.Add(amt)
	}
	return total
}

// Balance is the response of GetBalance.
type Balance struct {
	UserID       string                     `json:"userId"`
	TotalBalance decimal.Decimal            `json:"totalBalance"`
	Escrow       map[string]decimal.Decimal `json:"escrow"`
	Buckets      map[string]decimal.Decimal `json:"buckets,omitempty"`
}

// OperationResult is returned by every ledger mutation.
type OperationResult struct {
	LedgerEntry *LedgerEntry  `json:"ledgerEntry"`
	Wallets     []*WalletView `json:"wallets"`
	Credits     []Credit      `json:"credits,omitempty"`
}
