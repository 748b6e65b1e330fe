//go:build integration

package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/testutil"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

func newPGFixture(t *testing.T) (*Ledger, *PostgresStore) {
	t.Helper()
	store := NewPostgresStore(testutil.PGTest(t)).WithRetries(20)
	l := New(store, tokens.NewTable(tokens.DefaultRates())).
		WithFees(dec("0.005"), dec("0.01")).
		WithNotifier(&notify.Recorder{}).
		WithClock(steppingClock())
	ctx := context.Background()
	for _, u := range []User{
		{ID: "alice", Email: "alice@example.com"},
		{ID: "bob", Email: "bob@example.com"},
	} {
		require.NoError(t, l.SyncUser(ctx, u))
	}
	return l, store
}

func assertPGNoDrift(t *testing.T, store *PostgresStore) {
	t.Helper()
	totals, err := store.SupplyTotals(context.Background())
	require.NoError(t, err)
	for tok, s := range totals {
		assert.True(t, s.Drift().IsZero(), "%s drift %s", tok, s.Drift())
	}
}

func TestPostgres_TransferAndSwap(t *testing.T) {
	l, store := newPGFixture(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, "alice", tokens.NT, dec("3000"), Metadata{MetaNote: "seed"})
	require.NoError(t, err)

	txn, err := l.Transfer(ctx, TransferInput{
		FromUserID: "alice", To: "BOB@example.com", Token: tokens.NT, Amount: dec("1000"),
	})
	require.NoError(t, err)
	assert.True(t, txn.Fee.Equal(dec("5")))

	_, err = l.Swap(ctx, "alice", tokens.NT, tokens.USDT, dec("1500"))
	require.NoError(t, err)

	alice, err := store.GetWallet(ctx, "alice", tokens.NT)
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(dec("480")), "got %s", alice.Balance)

	usdt, err := store.GetWallet(ctx, "alice", tokens.USDT)
	require.NoError(t, err)
	assert.True(t, usdt.Balance.Equal(dec("1")), "got %s", usdt.Balance)

	fees, err := store.GetWallet(ctx, DefaultPlatformUserID, tokens.NT)
	require.NoError(t, err)
	assert.True(t, fees.Balance.Equal(dec("20")), "got %s", fees.Balance)

	got, err := l.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, got.Reference)
	assertPGNoDrift(t, store)
}

func TestPostgres_FrozenWalletRejectsDebit(t *testing.T) {
	l, store := newPGFixture(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, "alice", tokens.CT, dec("10"), nil)
	require.NoError(t, err)
	w, err := store.GetWallet(ctx, "alice", tokens.CT)
	require.NoError(t, err)

	_, err = l.Freeze(ctx, w.ID, "chargeback")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "alice", tokens.CT, dec("1"), nil)
	assert.ErrorIs(t, err, apperr.ErrWalletFrozen)

	_, err = l.Unfreeze(ctx, w.ID)
	require.NoError(t, err)
	_, err = l.Debit(ctx, "alice", tokens.CT, dec("1"), nil)
	assert.NoError(t, err)
}

func TestPostgres_HistoryPagination(t *testing.T) {
	l, _ := newPGFixture(t)
	ctx := context.Background()

	for range 5 {
		_, err := l.Credit(ctx, "alice", tokens.NT, dec("1"), nil)
		require.NoError(t, err)
	}

	page, err := l.History(ctx, "alice", tokens.NT, 3, "")
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	require.True(t, page.HasMore)

	rest, err := l.History(ctx, "alice", tokens.NT, 3, page.NextCursor)
	require.NoError(t, err)
	assert.Len(t, rest.Transactions, 2)
	assert.False(t, rest.HasMore)
}

func TestPostgres_ConcurrentDebitsNeverOverspend(t *testing.T) {
	l, store := newPGFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := l.Credit(ctx, "alice", tokens.NT, dec("100"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for range 15 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "alice", tokens.NT, dec("10"), nil); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	// Conflicts past the retry budget fail cleanly; none may overspend.
	n := ok.Load()
	assert.LessOrEqual(t, n, int32(10))
	w, err := store.GetWallet(ctx, "alice", tokens.NT)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("100").Sub(dec("10").Mul(decimal.NewFromInt(int64(n))))), "balance %s after %d debits", w.Balance, n)
	assertPGNoDrift(t, store)
}
