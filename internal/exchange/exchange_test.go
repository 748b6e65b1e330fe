package exchange

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/storage"
	"github.com/mbd888/fiatbridge/internal/testutil"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

var dec = testutil.Dec

var (
	alice     = ledger.Actor{UserID: "alice", Role: ledger.RoleUser}
	agentUser = ledger.Actor{UserID: "agent-user", Role: ledger.RoleAgent}
	admin     = ledger.Actor{UserID: "root", Role: ledger.RoleAdmin}
)

type fixture struct {
	svc      *Service
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	capSvc   *capacity.Service
	escrow   *escrow.Service
	uploader *storage.MemoryUploader
	rec      *notify.Recorder
	clock    *testutil.Clock
	agent    *ledger.Agent
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	rates := tokens.NewTable(tokens.DefaultRates())
	clk := testutil.NewClock()
	rec := &notify.Recorder{}
	up := storage.NewMemoryUploader("https://files.test")

	capSvc := capacity.NewService(store, rates, chain.Static{}).WithClock(clk.Now)
	escrowSvc := escrow.NewService(store, capSvc).WithClock(clk.Now).WithNotifier(rec)
	svc := NewService(store, capSvc, escrowSvc, up).WithNotifier(rec).WithClock(clk.Now)

	a, err := capSvc.Register(ctx, agentUser.UserID)
	require.NoError(t, err)
	_, err = capSvc.Deposit(ctx, agentUser, a.ID, dec("100"), "0x"+strings.Repeat("a", 64))
	require.NoError(t, err)
	a, err = capSvc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.AgentActive, a.Status)

	return &fixture{
		svc:      svc,
		store:    store,
		ledger:   ledger.New(store, rates).WithClock(clk.Now),
		capSvc:   capSvc,
		escrow:   escrowSvc,
		uploader: up,
		rec:      rec,
		clock:    clk,
		agent:    a,
		ctx:      ctx,
	}
}

func (f *fixture) fund(t *testing.T, userID string, token tokens.Token, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(f.ctx, userID, token, dec(amount), nil)
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, userID string, token tokens.Token) *ledger.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(f.ctx, userID, token)
	require.NoError(t, err)
	return w
}

func (f *fixture) agentNow(t *testing.T) *ledger.Agent {
	t.Helper()
	a, err := f.capSvc.Get(f.ctx, f.agent.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) assertNoDrift(t *testing.T) {
	t.Helper()
	supply, err := f.store.SupplyTotals(f.ctx)
	require.NoError(t, err)
	for token, s := range supply {
		require.True(t, s.Drift().IsZero(), "%s drift %s", token, s.Drift())
	}
}

func pngProof() Proof {
	return Proof{Filename: "receipt.png", ContentType: "image/png", Body: strings.NewReader("\x89PNG fake")}
}
