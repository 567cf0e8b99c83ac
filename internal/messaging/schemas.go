package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topic is both the kafka topic and the redis channel an event goes to.
type Topic string

const (
	TopicCreditsMinted      Topic = "credits.minted"
	TopicCreditsLocked      Topic = "credits.locked"
	TopicCreditsUnlocked    Topic = "credits.unlocked"
	TopicCreditsTransferred Topic = "credits.transferred"
	TopicCreditsRetired     Topic = "credits.retired"

	TopicVerificationApproved Topic = "verification.approved"
)

const (
	schemaVersion = "1.0"
	sourceName    = "carbon-registry"
)

// BaseMessage contains the envelope fields shared by every published event.
type BaseMessage struct {
	MessageID     string    `json:"message_id"`
	Type          Topic     `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// CreditEvent is the payload of every credits.* event.
type CreditEvent struct {
	BaseMessage
	Data CreditEventData `json:"data"`
}

// CreditEventData carries the parameters of the operation and the ledger
// entry it produced.
type CreditEventData struct {
	LedgerEntryID string          `json:"ledgerEntryId"`
	Operation     string          `json:"operation"`
	FromUserID    string          `json:"fromUserId,omitempty"`
	ToUserID      string          `json:"toUserId,omitempty"`
	OrderID       string          `json:"orderId,omitempty"`
	CreditSerials []string        `json:"creditSerials,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	TxRef         string          `json:"txRef,omitempty"`
	SourceTripID  string          `json:"sourceTripId,omitempty"`
	BucketPath    string          `json:"bucketPath,omitempty"`
}

// NewCreditEvent wraps data in a fresh envelope. correlationID is usually the
// order id or external tx reference.
func NewCreditEvent(topic Topic, correlationID string, data CreditEventData) *CreditEvent {
	return &CreditEvent{
		BaseMessage: BaseMessage{
			MessageID:     uuid.NewString(),
			Type:          topic,
			Timestamp:     time.Now().UTC(),
			Version:       schemaVersion,
			Source:        sourceName,
			CorrelationID: correlationID,
		},
		Data: data,
	}
}

// VerificationApproved is consumed from the trip verification pipeline.
type VerificationApproved struct {
	UserID         string           `json:"userId"`
	TripID         string           `json:"tripId"`
	CreditsAwarded *decimal.Decimal `json:"creditsAwarded,omitempty"`
	CO2SavedKg     *decimal.Decimal `json:"co2SavedKg,omitempty"`
}
