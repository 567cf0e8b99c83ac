package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

type fakeMinter struct {
	minted map[string]MintRequest
	err    error
}

func (f *fakeMinter) MintFromVerification(_ context.Context, req MintRequest) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.minted[req.Serial]; ok {
		return apperrors.Conflict.Explain("credit %s already minted", req.Serial)
	}
	f.minted[req.Serial] = req
	return nil
}

func msg(body string) *ReceivedMessage {
	return &ReceivedMessage{Topic: string(TopicVerificationApproved), Value: []byte(body)}
}

func TestVerificationHandlerMintsOncePerTrip(t *testing.T) {
	minter := &fakeMinter{minted: map[string]MintRequest{}}
	h := NewVerificationHandler(minter, zap.NewNop())

	body := `{"userId":"alice","tripId":"trip-42","creditsAwarded":"2.5","co2SavedKg":3.1}`
	require.NoError(t, h.Handle(context.Background(), msg(body)))
	require.NoError(t, h.Handle(context.Background(), msg(body)))

	require.Len(t, minter.minted, 1)
	req := minter.minted["CR-trip-42"]
	assert.Equal(t, "alice", req.OwnerID)
	assert.Equal(t, "trip-42", req.SourceTripID)
	assert.True(t, req.Quantity.Equal(decimal.RequireFromString("2.5")))
}

func TestVerificationHandlerFallsBackToCO2(t *testing.T) {
	minter := &fakeMinter{minted: map[string]MintRequest{}}
	h := NewVerificationHandler(minter, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), msg(`{"userId":"bob","tripId":"t1","co2SavedKg":1.75}`)))
	assert.True(t, minter.minted["CR-t1"].Quantity.Equal(decimal.RequireFromString("1.75")))
}

func TestVerificationHandlerDropsBadMessages(t *testing.T) {
	minter := &fakeMinter{minted: map[string]MintRequest{}}
	h := NewVerificationHandler(minter, zap.NewNop())

	assert.NoError(t, h.Handle(context.Background(), msg(`not json`)))
	assert.NoError(t, h.Handle(context.Background(), msg(`{"userId":"bob"}`)))
	assert.NoError(t, h.Handle(context.Background(), msg(`{"userId":"bob","tripId":"t2","creditsAwarded":0}`)))
	assert.Empty(t, minter.minted)
}

func TestVerificationHandlerRetriesStorageFailures(t *testing.T) {
	minter := &fakeMinter{minted: map[string]MintRequest{}, err: errors.New("connection reset")}
	h := NewVerificationHandler(minter, zap.NewNop())

	err := h.Handle(context.Background(), msg(`{"userId":"bob","tripId":"t3","creditsAwarded":1}`))
	assert.Error(t, err)
}

func TestNewProducerSelection(t *testing.T) {
	p, err := NewProducer("none", nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProducer("carrier-pigeon", nil, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewProducer("redis", nil, &RedisConfig{}, zap.NewNop())
	assert.Error(t, err)

	p, err = NewProducer("kafka", &KafkaConfig{Brokers: []string{"localhost:9092"}}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Close())
}

func TestNewCreditEventEnvelope(t *testing.T) {
	ev := NewCreditEvent(TopicCreditsLocked, "order-1", CreditEventData{
		LedgerEntryID: "le-1",
		Operation:     "LOCK",
		FromUserID:    "alice",
		OrderID:       "order-1",
		CreditSerials: []string{"CR-0001"},
		Amount:        decimal.NewFromInt(10),
	})
	assert.NotEmpty(t, ev.MessageID)
	assert.Equal(t, TopicCreditsLocked, ev.Type)
	assert.Equal(t, "carbon-registry", ev.Source)
	assert.Equal(t, "order-1", ev.CorrelationID)
}
