package registry

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/carbonledger/internal/database"
	"github.com/Aidin1998/carbonledger/internal/outbox"
)

var ctx = context.Background()

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func newTestService(t *testing.T) (*Service, *gorm.DB, *countingNotifier) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenMemory(name)
	require.NoError(t, err)
	models := append(Models(), outbox.Models()...)
	require.NoError(t, database.Migrate(db, zap.NewNop(), models...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	notifier := &countingNotifier{}
	return NewService(db, zap.NewNop(), WithNotifier(notifier)), db, notifier
}

func mustMint(t *testing.T, s *Service, serial, owner, qty string) {
	t.Helper()
	_, err := s.Mint(ctx, MintRequest{Serial: serial, OwnerID: owner, Quantity: dec(qty)})
	require.NoError(t, err)
}

func mustCredit(t *testing.T, s *Service, serial string) *Credit {
	t.Helper()
	c, err := s.GetCredit(ctx, serial)
	require.NoError(t, err)
	return c
}

func balanceOf(t *testing.T, s *Service, user string) *Balance {
	t.Helper()
	b, err := s.GetBalance(ctx, user)
	require.NoError(t, err)
	return b
}

// assertBalanced checks the wallet/credit invariant for each user.
func assertBalanced(t *testing.T, s *Service, users ...string) {
	t.Helper()
	for _, u := range users {
		r, err := s.Reconcile(ctx, u)
		require.NoError(t, err)
		assert.True(t, r.Balanced, "user %s out of balance: %+v", u, r)
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}
