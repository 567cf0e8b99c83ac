package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/carbonledger/pkg/metrics"
)

// Publisher delivers one payload to the transport.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// ClaimTTL bounds how long a claimed batch stays hidden from other
	// relays.
	ClaimTTL time.Duration
}

// Relay moves committed outbox rows to a Publisher. Delivery is
// at-least-once: a crash between publish and the published_at update
// redelivers the event on the next poll.
type Relay struct {
	db   *gorm.DB
	pub  Publisher
	log  *zap.Logger
	opts Options

	nudge  chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

func NewRelay(db *gorm.DB, pub Publisher, log *zap.Logger, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	return &Relay{
		db:    db,
		pub:   pub,
		log:   log.Named("outbox"),
		opts:  opts,
		nudge: make(chan struct{}, 1),
	}
}

// Notify wakes the relay after a commit. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until Stop is called or ctx is done.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return
	}
	r.active = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx)
	r.log.Info("outbox relay started",
		zap.Duration("poll_interval", r.opts.PollInterval),
		zap.Int("batch_size", r.opts.BatchSize))
}

func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info("outbox relay stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.nudge:
		}
		for {
			n, err := r.Flush(ctx)
			if err != nil {
				r.log.Error("outbox flush failed", zap.Error(err))
				break
			}
			if n < r.opts.BatchSize {
				break
			}
		}
	}
}

// Flush publishes one batch of pending events in creation order and returns
// how many were delivered. It stops at the first delivery failure so later
// events for the same topic are not sent ahead of it.
//
// Rows are claimed in a short transaction and published with no transaction
// open; each outcome is then written in its own update. A claim expires after
// ClaimTTL so rows held by a crashed relay are picked up again.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range batch {
		ev := &batch[i]
		if err := r.pub.Publish(ctx, ev.Topic, ev.MessageKey, []byte(ev.Payload)); err != nil {
			if rerr := r.recordFailure(ctx, ev, err); rerr != nil {
				return delivered, rerr
			}
			return delivered, r.release(ctx, batch[i+1:])
		}
		if err := r.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).
			Updates(map[string]interface{}{
				"published_at":  time.Now().UTC(),
				"claimed_until": nil,
			}).Error; err != nil {
			_ = r.release(ctx, batch[i+1:])
			return delivered, err
		}
		metrics.OutboxPublished.WithLabelValues(ev.Topic).Inc()
		delivered++
	}

	if n, err := Pending(ctx, r.db); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return delivered, nil
}

// claim selects the next batch of deliverable rows and leases them.
func (r *Relay) claim(ctx context.Context) ([]Event, error) {
	var batch []Event
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		q := tx.Where("published_at IS NULL AND attempts < ?", r.opts.MaxAttempts).
			Where("claimed_until IS NULL OR claimed_until < ?", now).
			Order("created_at ASC").Order("id ASC").
			Limit(r.opts.BatchSize)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		return tx.Model(&Event{}).Where("id IN ?", ids).
			Update("claimed_until", now.Add(r.opts.ClaimTTL)).Error
	})
	return batch, err
}

func (r *Relay) recordFailure(ctx context.Context, ev *Event, cause error) error {
	ev.Attempts++
	metrics.OutboxFailures.WithLabelValues(ev.Topic).Inc()
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("topic", ev.Topic),
		zap.Int("attempts", ev.Attempts),
		zap.Error(cause),
	}
	if ev.Attempts >= r.opts.MaxAttempts {
		r.log.Error("outbox event exceeded max attempts, skipping", fields...)
	} else {
		r.log.Warn("outbox publish failed", fields...)
	}
	return r.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).
		Updates(map[string]interface{}{
			"attempts":      ev.Attempts,
			"last_error":    cause.Error(),
			"claimed_until": nil,
		}).Error
}

// release drops the lease on rows that were claimed but not attempted.
func (r *Relay) release(ctx context.Context, rest []Event) error {
	if len(rest) == 0 {
		return nil
	}
	ids := make([]string, len(rest))
	for i := range rest {
		ids[i] = rest[i].ID
	}
	return r.db.WithContext(ctx).Model(&Event{}).Where("id IN ?", ids).
		Update("claimed_until", nil).Error
}

// Pending counts events that still await delivery.
func Pending(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Event{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}
