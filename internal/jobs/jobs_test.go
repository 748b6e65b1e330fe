package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/fiatbridge/internal/reconciliation"
	"github.com/mbd888/fiatbridge/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingExpirer struct {
	calls atomic.Int32
	batch atomic.Int32
	panic bool
}

func (c *countingExpirer) ExpireStaleMints(_ context.Context, limit int) (int, error) {
	c.calls.Add(1)
	c.batch.Store(int32(limit))
	if c.panic {
		panic("boom")
	}
	return 1, nil
}

type countingReconciler struct {
	calls atomic.Int32
}

func (c *countingReconciler) Run(context.Context) (*reconciliation.Report, error) {
	c.calls.Add(1)
	if c.calls.Load() == 1 {
		return nil, errors.New("store unavailable")
	}
	return &reconciliation.Report{Healthy: false}, nil
}

func TestScheduler_RunsJobsUntilShutdown(t *testing.T) {
	mints := &countingExpirer{}
	recon := &countingReconciler{}
	s, err := New(context.Background(), Config{
		MintExpiryInterval: 10 * time.Millisecond,
		ReconcileInterval:  10 * time.Millisecond,
	}, mints, recon, testutil.DiscardLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expire-mints", "reconcile-supply"}, s.Jobs())

	s.Start()
	require.Eventually(t, func() bool {
		return mints.calls.Load() >= 2 && recon.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())

	assert.Equal(t, int32(100), mints.batch.Load(), "default batch")
	after := mints.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, mints.calls.Load(), "no runs after shutdown")
}

func TestScheduler_DisabledJobs(t *testing.T) {
	s, err := New(context.Background(), Config{ReconcileInterval: time.Minute}, &countingExpirer{}, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	assert.Empty(t, s.Jobs())
	s.Start()
	require.NoError(t, s.Shutdown())
}

func TestScheduler_RecoversPanics(t *testing.T) {
	mints := &countingExpirer{panic: true}
	s, err := New(context.Background(), Config{MintExpiryInterval: 10 * time.Millisecond, MintExpiryBatch: 7}, mints, nil, testutil.DiscardLogger())
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return mints.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())
	assert.Equal(t, int32(7), mints.batch.Load())
}
