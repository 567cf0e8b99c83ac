package server

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/carbonledger/internal/registry"
	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,64}$`)
	serialPattern = regexp.MustCompile(`^[A-Za-z0-9_.:/-]{1,128}$`)
)

// newValidator returns a validator that understands decimal.Decimal fields
// and the registry's identifier formats.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return userIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("serial", func(fl validator.FieldLevel) bool {
		return serialPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("bucketpath", func(fl validator.FieldLevel) bool {
		return registry.ValidBucketPath(fl.Field().String())
	})
	v.RegisterValidation("dpos", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	v.RegisterValidation("dnonneg", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	v.RegisterStructValidation(validateTransferBody, transferBody{})
	return v
}

// validateTransferBody checks the buyer only for TRANSFER; LOCK and UNLOCK
// ignore toUserId.
func validateTransferBody(sl validator.StructLevel) {
	b := sl.Current().Interface().(transferBody)
	if b.Type == registry.TransferTransfer && b.ToUserID != "" && b.ToUserID == b.FromUserID {
		sl.ReportError(b.ToUserID, "toUserId", "ToUserID", "nefield", "FromUserID")
	}
}

var tagMessages = map[string]string{
	"required":   "is required",
	"userid":     "must be 1-64 characters of letters, digits, '_', '.', '@', ':' or '-'",
	"serial":     "must be 1-128 characters of letters, digits, '_', '.', ':', '/' or '-'",
	"bucketpath": "must be up to 8 dot-separated segments of letters, digits, '_' or '-'",
	"dpos":       "must be a positive decimal",
	"dnonneg":    "must not be negative",
	"oneof":      "has an unsupported value",
	"nefield":    "must differ from fromUserId",
	"unique":     "must not contain duplicates",
	"max":        "is too long",
	"min":        "is too short",
}

// validationError converts validator output into an Invalid error with one
// field entry per failure.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.Invalid.Explain("invalid request body").Wrap(err)
	}
	out := apperrors.Invalid.Explain("request validation failed")
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag() + " check"
		}
		out = out.WithField(fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:], fe.Tag(), msg)
	}
	return out
}
