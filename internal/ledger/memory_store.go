package ledger

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

// MemoryStore is an in-memory Store for development and tests.
//
// WithTx holds the write lock for the whole callback and works on a cloned
// snapshot that replaces the live data only when the callback succeeds.
// Stored rows are never mutated in place, so a shallow clone of each map is
// a full snapshot.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

type walletKey struct {
	userID string
	token  tokens.Token
}

type memData struct {
	users        map[string]*User
	wallets      map[string]*Wallet
	walletKeys   map[walletKey]string
	txns         map[string]*Transaction
	escrows      map[string]*Escrow
	agents       map[string]*Agent
	agentByUser  map[string]string
	deposits     map[string]*AgentDeposit
	withdrawals  map[string]*Withdrawal
	mints        map[string]*MintRequest
	burns        map[string]*BurnRequest
	burnByEscrow map[string]string
	disputes     map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		users:        make(map[string]*User),
		wallets:      make(map[string]*Wallet),
		walletKeys:   make(map[walletKey]string),
		txns:         make(map[string]*Transaction),
		escrows:      make(map[string]*Escrow),
		agents:       make(map[string]*Agent),
		agentByUser:  make(map[string]string),
		deposits:     make(map[string]*AgentDeposit),
		withdrawals:  make(map[string]*Withdrawal),
		mints:        make(map[string]*MintRequest),
		burns:        make(map[string]*BurnRequest),
		burnByEscrow: make(map[string]string),
		disputes:     make(map[string]*Dispute),
	}}
}

func (d *memData) clone() *memData {
	return &memData{
		users:        maps.Clone(d.users),
		wallets:      maps.Clone(d.wallets),
		walletKeys:   maps.Clone(d.walletKeys),
		txns:         maps.Clone(d.txns),
		escrows:      maps.Clone(d.escrows),
		agents:       maps.Clone(d.agents),
		agentByUser:  maps.Clone(d.agentByUser),
		deposits:     maps.Clone(d.deposits),
		withdrawals:  maps.Clone(d.withdrawals),
		mints:        maps.Clone(d.mints),
		burns:        maps.Clone(d.burns),
		burnByEscrow: maps.Clone(d.burnByEscrow),
		disputes:     maps.Clone(d.disputes),
	}
}

func cp[T any](v *T) *T {
	c := *v
	return &c
}

func cpTxn(t *Transaction) *Transaction {
	c := *t
	c.Metadata = t.Metadata.Clone()
	return &c
}

func cpEscrow(e *Escrow) *Escrow {
	c := *e
	c.Metadata = e.Metadata.Clone()
	return &c
}

func cpDispute(d *Dispute) *Dispute {
	c := *d
	if d.Resolution != nil {
		r := *d.Resolution
		r.Metadata = d.Resolution.Metadata.Clone()
		c.Resolution = &r
	}
	return &c
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

type memTx struct{ d *memData }

func (t *memTx) Users() UserRepo { return memUsers{t.d} }
func (t *memTx) Wallets() WalletRepo { return memWallets{t.d} }
func (t *memTx) Transactions() TransactionRepo { return memTxns{t.d} }
func (t *memTx) Escrows() EscrowRepo { return memEscrows{t.d} }
func (t *memTx) Agents() AgentRepo { return memAgents{t.d} }
func (t *memTx) AgentDeposits() AgentDepositRepo { return memDeposits{t.d} }
func (t *memTx) Withdrawals() WithdrawalRepo { return memWithdrawals{t.d} }
func (t *memTx) MintRequests() MintRequestRepo { return memMints{t.d} }
func (t *memTx) BurnRequests() BurnRequestRepo { return memBurns{t.d} }
func (t *memTx) Disputes() DisputeRepo { return memDisputes{t.d} }

// --- users ---

type memUsers struct{ d *memData }

func (r memUsers) Get(_ context.Context, id string) (*User, error) {
	u, ok := r.d.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return cp(u), nil
}

func (r memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return findUserByEmail(r.d, email)
}

func findUserByEmail(d *memData, email string) (*User, error) {
	for _, u := range d.users {
		if strings.EqualFold(u.Email, email) {
			return cp(u), nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (r memUsers) Upsert(_ context.Context, u *User) error {
	r.d.users[u.ID] = cp(u)
	return nil
}

// --- wallets ---

type memWallets struct{ d *memData }

func (r memWallets) GetForUpdate(_ context.Context, userID string, token tokens.Token) (*Wallet, error) {
	id, ok := r.d.walletKeys[walletKey{userID, token}]
	if !ok {
		return nil, apperr.NotFound("wallet")
	}
	return cp(r.d.wallets[id]), nil
}

func (r memWallets) GetByIDForUpdate(_ context.Context, id string) (*Wallet, error) {
	w, ok := r.d.wallets[id]
	if !ok {
		return nil, apperr.NotFound("wallet")
	}
	return cp(w), nil
}

func (r memWallets) Insert(_ context.Context, w *Wallet) error {
	k := walletKey{w.UserID, w.Token}
	if _, dup := r.d.walletKeys[k]; dup {
		return apperr.InvalidState("wallet for %s/%s already exists", w.UserID, w.Token)
	}
	r.d.walletKeys[k] = w.ID
	r.d.wallets[w.ID] = cp(w)
	return nil
}

func (r memWallets) Update(_ context.Context, w *Wallet) error {
	if _, ok := r.d.wallets[w.ID]; !ok {
		return apperr.NotFound("wallet")
	}
	if w.Balance.IsNegative() || w.PendingBalance.IsNegative() {
		return apperr.New(apperr.KindInternal, "wallet %s would go negative", w.ID)
	}
	r.d.wallets[w.ID] = cp(w)
	return nil
}

// --- transactions ---

type memTxns struct{ d *memData }

func (r memTxns) Insert(_ context.Context, t *Transaction) error {
	if _, dup := r.d.txns[t.ID]; dup {
		return apperr.InvalidState("transaction %s already exists", t.ID)
	}
	r.d.txns[t.ID] = cpTxn(t)
	return nil
}

func (r memTxns) GetForUpdate(_ context.Context, id string) (*Transaction, error) {
	t, ok := r.d.txns[id]
	if !ok {
		return nil, apperr.NotFound("transaction")
	}
	return cpTxn(t), nil
}

func (r memTxns) Update(_ context.Context, t *Transaction) error {
	cur, ok := r.d.txns[t.ID]
	if !ok {
		return apperr.NotFound("transaction")
	}
	next := cpTxn(cur)
	next.Status = t.Status
	next.CompletedAt = t.CompletedAt
	next.Metadata = t.Metadata.Clone()
	r.d.txns[t.ID] = next
	return nil
}

// --- escrows ---

type memEscrows struct{ d *memData }

func (r memEscrows) Insert(_ context.Context, e *Escrow) error {
	r.d.escrows[e.ID] = cpEscrow(e)
	return nil
}

func (r memEscrows) GetForUpdate(_ context.Context, id string) (*Escrow, error) {
	e, ok := r.d.escrows[id]
	if !ok {
		return nil, apperr.NotFound("escrow")
	}
	return cpEscrow(e), nil
}

func (r memEscrows) Update(_ context.Context, e *Escrow) error {
	if _, ok := r.d.escrows[e.ID]; !ok {
		return apperr.NotFound("escrow")
	}
	r.d.escrows[e.ID] = cpEscrow(e)
	return nil
}

// --- agents ---

type memAgents struct{ d *memData }

func (r memAgents) Insert(_ context.Context, a *Agent) error {
	if _, dup := r.d.agentByUser[a.UserID]; dup {
		return apperr.InvalidState("user %s is already an agent", a.UserID)
	}
	r.d.agents[a.ID] = cp(a)
	r.d.agentByUser[a.UserID] = a.ID
	return nil
}

func (r memAgents) GetForUpdate(_ context.Context, id string) (*Agent, error) {
	a, ok := r.d.agents[id]
	if !ok {
		return nil, apperr.NotFound("agent")
	}
	return cp(a), nil
}

func (r memAgents) GetByUserForUpdate(ctx context.Context, userID string) (*Agent, error) {
	id, ok := r.d.agentByUser[userID]
	if !ok {
		return nil, apperr.NotFound("agent")
	}
	return r.GetForUpdate(ctx, id)
}

func (r memAgents) Update(_ context.Context, a *Agent) error {
	if _, ok := r.d.agents[a.ID]; !ok {
		return apperr.NotFound("agent")
	}
	r.d.agents[a.ID] = cp(a)
	return nil
}

// --- agent deposits ---

type memDeposits struct{ d *memData }

func (r memDeposits) Exists(_ context.Context, txHash string) (bool, error) {
	_, ok := r.d.deposits[strings.ToLower(txHash)]
	return ok, nil
}

func (r memDeposits) Insert(_ context.Context, dep *AgentDeposit) error {
	k := strings.ToLower(dep.TxHash)
	if _, dup := r.d.deposits[k]; dup {
		return apperr.Validation("deposit already processed")
	}
	r.d.deposits[k] = cp(dep)
	return nil
}

// --- withdrawals ---

type memWithdrawals struct{ d *memData }

func (r memWithdrawals) Insert(_ context.Context, w *Withdrawal) error {
	r.d.withdrawals[w.ID] = cp(w)
	return nil
}

func (r memWithdrawals) GetForUpdate(_ context.Context, id string) (*Withdrawal, error) {
	w, ok := r.d.withdrawals[id]
	if !ok {
		return nil, apperr.NotFound("withdrawal")
	}
	return cp(w), nil
}

func (r memWithdrawals) Update(_ context.Context, w *Withdrawal) error {
	if _, ok := r.d.withdrawals[w.ID]; !ok {
		return apperr.NotFound("withdrawal")
	}
	r.d.withdrawals[w.ID] = cp(w)
	return nil
}

func (r memWithdrawals) SumOpen(_ context.Context, agentID, excludeID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, w := range r.d.withdrawals {
		if w.AgentID == agentID && w.ID != excludeID && w.IsOpen() {
			sum = sum.Add(w.AmountUSD)
		}
	}
	return sum, nil
}

// --- mint requests ---

type memMints struct{ d *memData }

func (r memMints) Insert(_ context.Context, m *MintRequest) error {
	r.d.mints[m.ID] = cp(m)
	return nil
}

func (r memMints) GetForUpdate(_ context.Context, id string) (*MintRequest, error) {
	m, ok := r.d.mints[id]
	if !ok {
		return nil, apperr.NotFound("mint request")
	}
	return cp(m), nil
}

func (r memMints) Update(_ context.Context, m *MintRequest) error {
	if _, ok := r.d.mints[m.ID]; !ok {
		return apperr.NotFound("mint request")
	}
	r.d.mints[m.ID] = cp(m)
	return nil
}

func (r memMints) Delete(_ context.Context, id string) error {
	if _, ok := r.d.mints[id]; !ok {
		return apperr.NotFound("mint request")
	}
	delete(r.d.mints, id)
	return nil
}

// --- burn requests ---

type memBurns struct{ d *memData }

func (r memBurns) Insert(_ context.Context, b *BurnRequest) error {
	r.d.burns[b.ID] = cp(b)
	r.d.burnByEscrow[b.EscrowID] = b.ID
	return nil
}

func (r memBurns) GetForUpdate(_ context.Context, id string) (*BurnRequest, error) {
	b, ok := r.d.burns[id]
	if !ok {
		return nil, apperr.NotFound("burn request")
	}
	return cp(b), nil
}

func (r memBurns) GetByEscrowForUpdate(ctx context.Context, escrowID string) (*BurnRequest, error) {
	id, ok := r.d.burnByEscrow[escrowID]
	if !ok {
		return nil, apperr.NotFound("burn request")
	}
	return r.GetForUpdate(ctx, id)
}

func (r memBurns) Update(_ context.Context, b *BurnRequest) error {
	if _, ok := r.d.burns[b.ID]; !ok {
		return apperr.NotFound("burn request")
	}
	r.d.burns[b.ID] = cp(b)
	return nil
}

// --- disputes ---

type memDisputes struct{ d *memData }

func (r memDisputes) Insert(_ context.Context, d *Dispute) error {
	r.d.disputes[d.ID] = cpDispute(d)
	return nil
}

func (r memDisputes) GetForUpdate(_ context.Context, id string) (*Dispute, error) {
	d, ok := r.d.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute")
	}
	return cpDispute(d), nil
}

func (r memDisputes) Update(_ context.Context, d *Dispute) error {
	if _, ok := r.d.disputes[d.ID]; !ok {
		return apperr.NotFound("dispute")
	}
	r.d.disputes[d.ID] = cpDispute(d)
	return nil
}

// --- read side ---

func (m *MemoryStore) read() *memData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// GetUser implements Reader.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	return memUsers{m.read()}.Get(ctx, id)
}

// FindUserByEmail implements Reader.
func (m *MemoryStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	return findUserByEmail(m.read(), email)
}

// GetWallet implements Reader.
func (m *MemoryStore) GetWallet(ctx context.Context, userID string, token tokens.Token) (*Wallet, error) {
	return memWallets{m.read()}.GetForUpdate(ctx, userID, token)
}

// GetWalletByID implements Reader.
func (m *MemoryStore) GetWalletByID(ctx context.Context, id string) (*Wallet, error) {
	return memWallets{m.read()}.GetByIDForUpdate(ctx, id)
}

// ListWallets implements Reader.
func (m *MemoryStore) ListWallets(_ context.Context, userID string) ([]*Wallet, error) {
	d := m.read()
	var out []*Wallet
	for _, t := range tokens.All {
		if id, ok := d.walletKeys[walletKey{userID, t}]; ok {
			out = append(out, cp(d.wallets[id]))
		}
	}
	return out, nil
}

// GetTransaction implements Reader.
func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return memTxns{m.read()}.GetForUpdate(ctx, id)
}

// newestFirst orders by (CreatedAt, ID) descending.
func newestFirst(aT time.Time, aID string, bT time.Time, bID string) int {
	if c := bT.Compare(aT); c != 0 {
		return c
	}
	return strings.Compare(bID, aID)
}

// ListTransactions implements Reader.
func (m *MemoryStore) ListTransactions(_ context.Context, q TxQuery) ([]*Transaction, error) {
	d := m.read()
	var out []*Transaction
	for _, t := range d.txns {
		if q.UserID != "" && t.FromUserID != q.UserID && t.ToUserID != q.UserID {
			continue
		}
		if q.Token != "" && t.Token != q.Token && t.CounterToken != q.Token {
			continue
		}
		if q.Type != "" && t.Type != q.Type {
			continue
		}
		if q.Cursor != nil && newestFirst(t.CreatedAt, t.ID, q.Cursor.CreatedAt, q.Cursor.ID) <= 0 {
			continue
		}
		out = append(out, cpTxn(t))
	}
	slices.SortFunc(out, func(a, b *Transaction) int {
		return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return truncate(out, q.Limit), nil
}

func truncate[T any](s []T, limit int) []T {
	limit = clampLimit(limit)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// GetEscrow implements Reader.
func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return memEscrows{m.read()}.GetForUpdate(ctx, id)
}

// ListExpiredEscrows implements Reader.
func (m *MemoryStore) ListExpiredEscrows(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	d := m.read()
	var out []*Escrow
	for _, e := range d.escrows {
		if e.IsExpired(before) {
			out = append(out, cpEscrow(e))
		}
	}
	slices.SortFunc(out, func(a, b *Escrow) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return truncate(out, limit), nil
}

// GetAgent implements Reader.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return memAgents{m.read()}.GetForUpdate(ctx, id)
}

// GetAgentByUser implements Reader.
func (m *MemoryStore) GetAgentByUser(ctx context.Context, userID string) (*Agent, error) {
	return memAgents{m.read()}.GetByUserForUpdate(ctx, userID)
}

// ListAgents implements Reader.
func (m *MemoryStore) ListAgents(_ context.Context, status AgentStatus, limit int) ([]*Agent, error) {
	d := m.read()
	var out []*Agent
	for _, a := range d.agents {
		if status == "" || a.Status == status {
			out = append(out, cp(a))
		}
	}
	slices.SortFunc(out, func(a, b *Agent) int { return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID) })
	return truncate(out, limit), nil
}

// GetWithdrawal implements Reader.
func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return memWithdrawals{m.read()}.GetForUpdate(ctx, id)
}

// ListWithdrawals implements Reader.
func (m *MemoryStore) ListWithdrawals(_ context.Context, q WithdrawalQuery) ([]*Withdrawal, error) {
	d := m.read()
	var out []*Withdrawal
	for _, w := range d.withdrawals {
		if (q.AgentID == "" || w.AgentID == q.AgentID) && (q.Status == "" || w.Status == q.Status) {
			out = append(out, cp(w))
		}
	}
	slices.SortFunc(out, func(a, b *Withdrawal) int { return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID) })
	return truncate(out, q.Limit), nil
}

// GetMintRequest implements Reader.
func (m *MemoryStore) GetMintRequest(ctx context.Context, id string) (*MintRequest, error) {
	return memMints{m.read()}.GetForUpdate(ctx, id)
}

// ListMintRequests implements Reader.
func (m *MemoryStore) ListMintRequests(_ context.Context, q RequestQuery) ([]*MintRequest, error) {
	d := m.read()
	var out []*MintRequest
	for _, r := range d.mints {
		if matchRequest(q, r.UserID, r.AgentID, string(r.Status)) {
			out = append(out, cp(r))
		}
	}
	slices.SortFunc(out, func(a, b *MintRequest) int { return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID) })
	return truncate(out, q.Limit), nil
}

func matchRequest(q RequestQuery, userID, agentID, status string) bool {
	return (q.UserID == "" || userID == q.UserID) &&
		(q.AgentID == "" || agentID == q.AgentID) &&
		(q.Status == "" || status == q.Status)
}

// ListExpiredMintRequests implements Reader.
func (m *MemoryStore) ListExpiredMintRequests(_ context.Context, before time.Time, limit int) ([]*MintRequest, error) {
	d := m.read()
	var out []*MintRequest
	for _, r := range d.mints {
		if r.IsExpired(before) {
			out = append(out, cp(r))
		}
	}
	slices.SortFunc(out, func(a, b *MintRequest) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return truncate(out, limit), nil
}

// GetBurnRequest implements Reader.
func (m *MemoryStore) GetBurnRequest(ctx context.Context, id string) (*BurnRequest, error) {
	return memBurns{m.read()}.GetForUpdate(ctx, id)
}

// ListBurnRequests implements Reader.
func (m *MemoryStore) ListBurnRequests(_ context.Context, q RequestQuery) ([]*BurnRequest, error) {
	d := m.read()
	var out []*BurnRequest
	for _, r := range d.burns {
		if matchRequest(q, r.UserID, r.AgentID, string(r.Status)) {
			out = append(out, cp(r))
		}
	}
	slices.SortFunc(out, func(a, b *BurnRequest) int { return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID) })
	return truncate(out, q.Limit), nil
}

// GetDispute implements Reader.
func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return memDisputes{m.read()}.GetForUpdate(ctx, id)
}

// ListDisputes implements Reader.
func (m *MemoryStore) ListDisputes(_ context.Context, q DisputeQuery) ([]*Dispute, error) {
	d := m.read()
	var out []*Dispute
	for _, dp := range d.disputes {
		if (q.Status == "" || dp.Status == q.Status) && (q.AgentID == "" || dp.AgentID == q.AgentID) {
			out = append(out, cpDispute(dp))
		}
	}
	slices.SortFunc(out, func(a, b *Dispute) int { return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID) })
	return truncate(out, q.Limit), nil
}

// SupplyTotals implements Reader.
func (m *MemoryStore) SupplyTotals(_ context.Context) (map[tokens.Token]Supply, error) {
	d := m.read()
	out := make(map[tokens.Token]Supply, len(tokens.All))
	for _, t := range tokens.All {
		out[t] = Supply{Balance: decimal.Zero, Pending: decimal.Zero, JournalNet: decimal.Zero}
	}
	for _, w := range d.wallets {
		s := out[w.Token]
		s.Balance = s.Balance.Add(w.Balance)
		s.Pending = s.Pending.Add(w.PendingBalance)
		out[w.Token] = s
	}
	for _, t := range d.txns {
		for tok, delta := range t.supplyEffect() {
			s := out[tok]
			s.JournalNet = s.JournalNet.Add(delta)
			out[tok] = s
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
