// Package outbox stores domain events in the same transaction as the ledger
// mutation that produced them and relays them to the event transport.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is a row in outbox_events. PublishedAt is nil until the relay has
// handed the payload to the transport.
type Event struct {
	ID         string `gorm:"type:varchar(36);primaryKey" json:"id"`
	Topic      string `gorm:"type:varchar(128);not null" json:"topic"`
	MessageKey string `gorm:"type:varchar(128)" json:"message_key"`
	Payload    string `gorm:"type:text;not null" json:"payload"`
	Attempts   int    `gorm:"not null;default:0" json:"attempts"`
	LastError  string `gorm:"type:text" json:"last_error,omitempty"`
	// ClaimedUntil is set while a relay is publishing the row.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	CreatedAt    time.Time  `gorm:"index:idx_outbox_pending,priority:2" json:"created_at"`
	PublishedAt  *time.Time `gorm:"index:idx_outbox_pending,priority:1" json:"published_at,omitempty"`
}

func (Event) TableName() string {
	return "outbox_events"
}

// Models lists the tables owned by this package for migration.
func Models() []interface{} {
	return []interface{}{&Event{}}
}

// Enqueue writes payload as JSON into the outbox using tx. The event becomes
// visible to the relay only when tx commits.
func Enqueue(tx *gorm.DB, topic, key string, payload interface{}) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	ev := &Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		MessageKey: key,
		Payload:    string(body),
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}
	return ev, nil
}
