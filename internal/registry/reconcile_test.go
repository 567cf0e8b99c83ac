package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileDetectsTampering(t *testing.T) {
	s, db, _ := newTestService(t)
	mustMint(t, s, "CR-1", "alice", "5")
	mustMint(t, s, "CR-2", "bob", "5")
	_, err := s.Lock(ctx, lockReq("bob", "o-1", "5", "CR-2"))
	require.NoError(t, err)

	bad, err := s.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)

	require.NoError(t, db.Model(&Wallet{}).Where("user_id = ?", "alice").
		Update("total_balance", dec("7")).Error)
	require.NoError(t, db.Model(&EscrowEntry{}).Where("wallet_user_id = ?", "bob").
		Update("amount", dec("3")).Error)

	r, err := s.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, r.Balanced)
	assert.True(t, r.Holdings.Equal(dec("5")))

	r, err = s.Reconcile(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, r.Balanced)
	assert.True(t, r.LockedQuantity.Equal(dec("5")))
	assert.True(t, r.EscrowTotal.Equal(dec("3")))

	bad, err = s.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 2)
	assert.Equal(t, "alice", bad[0].UserID)
	assert.Equal(t, "bob", bad[1].UserID)
}

func TestReconcileAfterMixedHistory(t *testing.T) {
	s, _, _ := newTestService(t)
	mustMint(t, s, "CR-1", "alice", "2.75")
	mustMint(t, s, "CR-2", "alice", "1.25")
	_, err := s.CreditWallet(ctx, "alice", dec("3"), AdjustmentMetadata{})
	require.NoError(t, err)
	_, err = s.DebitWallet(ctx, "alice", dec("1"), AdjustmentMetadata{})
	require.NoError(t, err)
	_, err = s.Lock(ctx, lockReq("alice", "o", "2.75", "CR-1"))
	require.NoError(t, err)
	req := lockReq("alice", "o", "2.75", "CR-1")
	req.ToUserID = "bob"
	_, err = s.Transfer(ctx, req)
	require.NoError(t, err)
	_, err = s.Retire(ctx, "CR-1", "bob", "", "")
	require.NoError(t, err)

	r, err := s.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, r.Balanced, "%+v", r)
	assert.True(t, r.Unbacked.Equal(dec("2")))
	assert.True(t, r.TotalBalance.Equal(dec("3.25")))

	assertBalanced(t, s, "bob")
}
