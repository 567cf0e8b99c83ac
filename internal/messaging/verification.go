package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

// MintRequest is what the verification handler asks the registry to mint.
type MintRequest struct {
	Serial       string
	OwnerID      string
	Quantity     decimal.Decimal
	SourceTripID string
}

// Minter is the registry capability the verification handler needs.
type Minter interface {
	MintFromVerification(ctx context.Context, req MintRequest) error
}

// VerificationHandler turns verification.approved messages into mints.
// Serials derive from the trip id, so a redelivered message hits the
// uniqueness check and is acknowledged without a second mint.
type VerificationHandler struct {
	minter Minter
	logger *zap.Logger
}

func NewVerificationHandler(minter Minter, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{minter: minter, logger: logger.Named("verification")}
}

// SerialForTrip returns the credit serial minted for a verified trip.
func SerialForTrip(tripID string) string {
	return "CR-" + tripID
}

// Handle implements MessageHandler. Malformed messages are logged and
// dropped; only storage failures are returned for retry.
func (h *VerificationHandler) Handle(ctx context.Context, msg *ReceivedMessage) error {
	var ev VerificationApproved
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.logger.Error("malformed verification message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	req, err := ev.mintRequest()
	if err != nil {
		h.logger.Error("rejected verification message",
			zap.String("trip_id", ev.TripID),
			zap.String("user_id", ev.UserID),
			zap.Error(err))
		return nil
	}

	err = h.minter.MintFromVerification(ctx, req)
	switch {
	case err == nil:
		h.logger.Info("minted credits for verified trip",
			zap.String("serial", req.Serial),
			zap.String("user_id", req.OwnerID),
			zap.String("quantity", req.Quantity.String()))
		return nil
	case apperrors.Is(err, apperrors.Conflict):
		h.logger.Info("trip already minted, skipping", zap.String("serial", req.Serial))
		return nil
	case apperrors.Is(err, apperrors.Invalid):
		h.logger.Error("registry rejected verified trip", zap.String("serial", req.Serial), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("mint %s: %w", req.Serial, err)
	}
}

func (ev VerificationApproved) mintRequest() (MintRequest, error) {
	userID := strings.TrimSpace(ev.UserID)
	tripID := strings.TrimSpace(ev.TripID)
	if userID == "" || tripID == "" {
		return MintRequest{}, fmt.Errorf("userId and tripId are required")
	}
	var qty decimal.Decimal
	switch {
	case ev.CreditsAwarded != nil && ev.CreditsAwarded.IsPositive():
		qty = *ev.CreditsAwarded
	case ev.CO2SavedKg != nil && ev.CO2SavedKg.IsPositive():
		qty = *ev.CO2SavedKg
	default:
		return MintRequest{}, fmt.Errorf("no positive creditsAwarded or co2SavedKg")
	}
	return MintRequest{
		Serial:       SerialForTrip(tripID),
		OwnerID:      userID,
		Quantity:     qty,
		SourceTripID: tripID,
	}, nil
}
