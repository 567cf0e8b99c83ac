package registry

import (
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

const (
	maxUserIDLen  = 64
	maxSerialLen  = 128
	maxOrderIDLen = 128
	maxTxRefLen   = 128
)

func requireID(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.Invalid.Explain("%s is required", field).WithField(field, "required", "is required")
	}
	if len(value) > max {
		return apperrors.Invalid.Explain("%s exceeds %d characters", field, max).WithField(field, "max", "too long")
	}
	return nil
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.Invalid.Explain("%s must be positive", field).WithField(field, "gt", "must be greater than zero")
	}
	return nil
}

func optionalBucket(path string) error {
	if path != "" && !ValidBucketPath(path) {
		return apperrors.Invalid.Explain("invalid bucket path %q", path).WithField("bucketPath", "bucketpath", "invalid path")
	}
	return nil
}

func optionalTxRef(ref string) error {
	if len(ref) > maxTxRefLen {
		return apperrors.Invalid.Explain("txRef exceeds %d characters", maxTxRefLen).WithField("txRef", "max", "too long")
	}
	return nil
}
