package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/carbonledger/internal/database"
)

type sent struct {
	topic, key string
	payload    string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{topic, key, string(payload)})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, zap.NewNop(), Models()...))
	return db
}

func enqueue(t *testing.T, db *gorm.DB, topic, key string, payload interface{}) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := Enqueue(tx, topic, key, payload)
		return err
	}))
}

func TestEnqueueRolledBackIsInvisible(t *testing.T) {
	db := newTestDB(t)
	_ = db.Transaction(func(tx *gorm.DB) error {
		_, err := Enqueue(tx, "credits.minted", "alice", map[string]string{"serial": "CR-1"})
		require.NoError(t, err)
		return errors.New("abort")
	})
	n, err := Pending(context.Background(), db)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushPublishesInOrder(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "credits.minted", "alice", map[string]int{"seq": 1})
	enqueue(t, db, "credits.locked", "alice", map[string]int{"seq": 2})

	pub := &fakePublisher{}
	relay := NewRelay(db, pub, zap.NewNop(), Options{BatchSize: 10})

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "credits.minted", pub.sent[0].topic)
	assert.Equal(t, "alice", pub.sent[0].key)
	assert.JSONEq(t, `{"seq":1}`, pub.sent[0].payload)
	assert.Equal(t, "credits.locked", pub.sent[1].topic)

	pending, err := Pending(context.Background(), db)
	require.NoError(t, err)
	assert.Zero(t, pending)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.sent, 2)
}

func TestFlushRecordsFailureAndRetries(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "credits.minted", "alice", map[string]string{"serial": "CR-1"})

	pub := &fakePublisher{fail: errors.New("broker down")}
	relay := NewRelay(db, pub, zap.NewNop(), Options{BatchSize: 10, MaxAttempts: 2})

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var ev Event
	require.NoError(t, db.First(&ev).Error)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, "broker down", ev.LastError)
	assert.Nil(t, ev.PublishedAt)

	pub.fail = nil
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlushSkipsExhaustedEvents(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "credits.minted", "alice", map[string]string{"serial": "CR-1"})

	pub := &fakePublisher{fail: errors.New("broker down")}
	relay := NewRelay(db, pub, zap.NewNop(), Options{BatchSize: 10, MaxAttempts: 1})
	_, err := relay.Flush(context.Background())
	require.NoError(t, err)

	pub.fail = nil
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, pub.count())
}

func TestRelayNotifyDelivers(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	relay := NewRelay(db, pub, zap.NewNop(), Options{PollInterval: time.Hour, BatchSize: 10})
	relay.Start(context.Background())
	defer relay.Stop()

	enqueue(t, db, "credits.transferred", "bob", map[string]string{"orderId": "order-1"})
	relay.Notify()
	relay.Notify()

	assert.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// blockingPublisher holds each Publish call until release is closed.
type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingPublisher) Publish(ctx context.Context, _, _ string, _ []byte) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestFlushPublishesOutsideTransaction(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "credits.minted", "alice", map[string]int{"seq": 1})

	pub := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	relay := NewRelay(db, pub, zap.NewNop(), Options{BatchSize: 10})

	type result struct {
		n   int
		err error
	}
	flushed := make(chan result, 1)
	go func() {
		n, err := relay.Flush(context.Background())
		flushed <- result{n, err}
	}()

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher was never called")
	}

	written := make(chan error, 1)
	go func() {
		written <- db.Transaction(func(tx *gorm.DB) error {
			_, err := Enqueue(tx, "credits.locked", "bob", map[string]int{"seq": 2})
			return err
		})
	}()
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(pub.release)
		t.Fatal("outbox write blocked while an event was being published")
	}

	other := NewRelay(db, &fakePublisher{}, zap.NewNop(), Options{BatchSize: 1})
	var claimed Event
	require.NoError(t, db.Where("topic = ?", "credits.minted").First(&claimed).Error)
	require.NotNil(t, claimed.ClaimedUntil)
	batch, err := other.claim(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "credits.locked", batch[0].Topic, "a claimed row is not handed to a second relay")
	require.NoError(t, other.release(context.Background(), batch))

	close(pub.release)
	res := <-flushed
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.n)

	require.NoError(t, db.First(&claimed, "id = ?", claimed.ID).Error)
	assert.NotNil(t, claimed.PublishedAt)
	assert.Nil(t, claimed.ClaimedUntil)
}

func TestFlushReleasesRemainingClaimsOnFailure(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "credits.minted", "alice", map[string]int{"seq": 1})
	enqueue(t, db, "credits.minted", "alice", map[string]int{"seq": 2})

	pub := &fakePublisher{fail: errors.New("broker down")}
	relay := NewRelay(db, pub, zap.NewNop(), Options{BatchSize: 10})
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var events []Event
	require.NoError(t, db.Order("created_at ASC").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Zero(t, events[1].Attempts)
	for _, ev := range events {
		assert.Nil(t, ev.ClaimedUntil)
	}

	pub.fail = nil
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
