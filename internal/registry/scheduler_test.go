package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcileSchedulerRejectsBadSchedule(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := NewReconcileScheduler(s, "every tuesday", zap.NewNop())
	assert.Error(t, err)
}

func TestReconcileSchedulerRunOnce(t *testing.T) {
	s, _, _ := newTestService(t)
	mustMint(t, s, "CR-1", "alice", "1")

	sched, err := NewReconcileScheduler(s, "@every 1h", zap.NewNop())
	require.NoError(t, err)
	sched.Start()
	sched.runOnce()
	sched.Stop()
	sched.Stop()
}
