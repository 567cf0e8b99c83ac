// Package registry is the carbon-credit ledger: wallets, serialized credits,
// the append-only ledger and the escrow protocol that moves credits between
// users. Every mutation runs in one database transaction with the affected
// wallet and credit rows locked, and writes its domain event to the outbox
// in that same transaction.
package registry

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/Aidin1998/carbonledger/pkg/errors"
	"github.com/Aidin1998/carbonledger/pkg/metrics"
)

// Notifier is told when a transaction that wrote outbox rows has committed.
type Notifier interface {
	Notify()
}

type Option func(*Service)

// WithNotifier wakes n after each committed mutation.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

type Service struct {
	db       *gorm.DB
	logger   *zap.Logger
	tracer   trace.Tracer
	notifier Notifier
}

func NewService(db *gorm.DB, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:     db,
		logger: logger.Named("registry"),
		tracer: otel.Tracer("github.com/Aidin1998/carbonledger/internal/registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// mutate runs fn in a transaction and records the outcome. Errors that are
// not already kinded are logged and surfaced as Internal.
func (s *Service) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(tx *gorm.DB) error) error {
	ctx, span := s.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(fn)
	metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.LedgerOperations.WithLabelValues(op, metrics.Outcome(err)).Inc()

	if err != nil {
		err = s.classify(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify()
	}
	return nil
}

// readOnly gives reports a consistent snapshot on postgres.
var readOnly = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// read runs fn in a transaction without touching operation metrics.
func (s *Service) read(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, span := s.tracer.Start(ctx, "registry."+op)
	defer span.End()
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, readOnly)
	}
	if err := s.db.WithContext(ctx).Transaction(fn, opts...); err != nil {
		err = s.classify(op, err)
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Service) classify(op string, err error) error {
	var kinded *apperrors.Error
	if apperrors.As(err, &kinded) {
		if kinded.HTTPStatus() >= 500 {
			s.logger.Error("ledger operation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}
	if apperrors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Conflict.Explain("%s: record already exists", op).Wrap(err)
	}
	s.logger.Error("ledger operation failed", zap.String("op", op), zap.Error(err))
	return apperrors.Internal.Explain("%s failed", op).Wrap(err)
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
