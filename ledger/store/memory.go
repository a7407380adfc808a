// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/vip-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	accounts    map[ledger.UserID]ledger.Account
	tiers       ledger.TierTable
	submissions map[uuid.UUID]ledger.Submission
	products    map[uuid.UUID]ledger.Product
	recharges   map[uuid.UUID]ledger.Recharge
	withdrawals map[uuid.UUID]ledger.Withdrawal
	records     []ledger.TransactionRecord
}

func newMemoryData() memoryData {
	return memoryData{
		accounts:    make(map[ledger.UserID]ledger.Account),
		submissions: make(map[uuid.UUID]ledger.Submission),
		products:    make(map[uuid.UUID]ledger.Product),
		recharges:   make(map[uuid.UUID]ledger.Recharge),
		withdrawals: make(map[uuid.UUID]ledger.Withdrawal),
	}
}

// clone deep-copies everything a transaction may touch.
func (d memoryData) clone() memoryData {
	c := newMemoryData()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	c.tiers = append(ledger.TierTable{}, d.tiers...)
	for k, v := range d.submissions {
		c.submissions[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.recharges {
		c.recharges[k] = v
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	c.records = append([]ledger.TransactionRecord{}, d.records...)
	return c
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

// =============================================================================
// UNLOCKED OPERATIONS - shared by Memory and the transactional view
// =============================================================================

func (d *memoryData) createAccount(a ledger.Account) error {
	if _, ok := d.accounts[a.UserID]; ok {
		return ledger.ErrAccountExists
	}
	d.accounts[a.UserID] = a
	return nil
}

func (d *memoryData) getAccount(userID ledger.UserID) (ledger.Account, error) {
	a, ok := d.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.NotFound("account", userID)
	}
	return a, nil
}

func (d *memoryData) saveAccount(a ledger.Account) error {
	if _, ok := d.accounts[a.UserID]; !ok {
		return ledger.NotFound("account", a.UserID)
	}
	d.accounts[a.UserID] = a
	return nil
}

func (d *memoryData) listAccounts() []ledger.Account {
	out := make([]ledger.Account, 0, len(d.accounts))
	for _, a := range d.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (d *memoryData) createProduct(p ledger.Product) error {
	d.products[p.ID] = p
	return nil
}

func (d *memoryData) updateProduct(p ledger.Product) error {
	if _, ok := d.products[p.ID]; !ok {
		return ledger.NotFound("product", p.ID)
	}
	d.products[p.ID] = p
	return nil
}

func (d *memoryData) productsWhere(match func(ledger.Product) bool) []ledger.Product {
	var out []ledger.Product
	for _, p := range d.products {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *memoryData) pendingGroups(userID ledger.UserID) []ledger.GroupRef {
	oldest := make(map[ledger.GroupRef]time.Time)
	var out []ledger.GroupRef
	for _, p := range d.productsWhere(func(p ledger.Product) bool {
		return p.CombinedGroupID != nil && p.Status == ledger.StatusPending &&
			(userID == "" || p.UserID == userID)
	}) {
		ref := ledger.GroupRef{UserID: p.UserID, GroupID: *p.CombinedGroupID}
		if _, ok := oldest[ref]; !ok {
			oldest[ref] = p.CreatedAt
			out = append(out, ref)
		}
	}
	// Same order as the SQL stores: user, oldest pending item, group id.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !oldest[a].Equal(oldest[b]) {
			return oldest[a].Before(oldest[b])
		}
		return a.GroupID.String() < b.GroupID.String()
	})
	return out
}

func (d *memoryData) getRecharge(id uuid.UUID) (ledger.Recharge, error) {
	r, ok := d.recharges[id]
	if !ok {
		return ledger.Recharge{}, ledger.NotFound("recharge", id)
	}
	return r, nil
}

func (d *memoryData) updateRecharge(r ledger.Recharge) error {
	if _, ok := d.recharges[r.ID]; !ok {
		return ledger.NotFound("recharge", r.ID)
	}
	d.recharges[r.ID] = r
	return nil
}

func (d *memoryData) rechargesByUser(userID ledger.UserID) []ledger.Recharge {
	var out []ledger.Recharge
	for _, r := range d.recharges {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memoryData) getWithdrawal(id uuid.UUID) (ledger.Withdrawal, error) {
	w, ok := d.withdrawals[id]
	if !ok {
		return ledger.Withdrawal{}, ledger.NotFound("withdrawal", id)
	}
	return w, nil
}

func (d *memoryData) updateWithdrawal(w ledger.Withdrawal) error {
	if _, ok := d.withdrawals[w.ID]; !ok {
		return ledger.NotFound("withdrawal", w.ID)
	}
	d.withdrawals[w.ID] = w
	return nil
}

func (d *memoryData) withdrawalsByUser(userID ledger.UserID) []ledger.Withdrawal {
	var out []ledger.Withdrawal
	for _, w := range d.withdrawals {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memoryData) completeRecord(kind ledger.RecordKind, parentID uuid.UUID, status ledger.Status, at time.Time) error {
	for i := len(d.records) - 1; i >= 0; i-- {
		r := d.records[i]
		if r.Kind == kind && r.ParentID == parentID {
			r.Status = status
			r.TransactionTime = at
			d.records[i] = r
			return nil
		}
	}
	return ledger.NotFound(string(kind)+" record", parentID)
}

func (d *memoryData) recordsOf(kind ledger.RecordKind, parentID uuid.UUID) []ledger.TransactionRecord {
	var out []ledger.TransactionRecord
	for _, r := range d.records {
		if r.Kind == kind && r.ParentID == parentID {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// MEMORY - ledger.Store with its own locking
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createAccount(a)
}

func (m *Memory) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getAccount(userID)
}

// LockAccount outside a transaction is a plain read.
func (m *Memory) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return m.GetAccount(ctx, userID)
}

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.saveAccount(a)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listAccounts(), nil
}

func (m *Memory) LoadTiers(_ context.Context) (ledger.TierTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(ledger.TierTable{}, m.data.tiers...), nil
}

func (m *Memory) ReplaceTiers(_ context.Context, table ledger.TierTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.tiers = append(ledger.TierTable{}, table...)
	return nil
}

func (m *Memory) CreateSubmission(_ context.Context, s ledger.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.submissions[s.ID] = s
	return nil
}

func (m *Memory) CreateProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createProduct(p)
}

func (m *Memory) UpdateProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateProduct(p)
}

func (m *Memory) ProductsByGroup(_ context.Context, userID ledger.UserID, groupID uuid.UUID) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.productsWhere(func(p ledger.Product) bool {
		return p.UserID == userID && p.CombinedGroupID != nil && *p.CombinedGroupID == groupID
	}), nil
}

func (m *Memory) ProductsByUser(_ context.Context, userID ledger.UserID) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.productsWhere(func(p ledger.Product) bool { return p.UserID == userID }), nil
}

func (m *Memory) PendingGroups(_ context.Context, userID ledger.UserID) ([]ledger.GroupRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.pendingGroups(userID), nil
}

func (m *Memory) CreateRecharge(_ context.Context, r ledger.Recharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.recharges[r.ID] = r
	return nil
}

func (m *Memory) GetRecharge(_ context.Context, id uuid.UUID) (ledger.Recharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getRecharge(id)
}

func (m *Memory) UpdateRecharge(_ context.Context, r ledger.Recharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateRecharge(r)
}

func (m *Memory) RechargesByUser(_ context.Context, userID ledger.UserID) ([]ledger.Recharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.rechargesByUser(userID), nil
}

func (m *Memory) CreateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.withdrawals[w.ID] = w
	return nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getWithdrawal(id)
}

func (m *Memory) UpdateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateWithdrawal(w)
}

func (m *Memory) WithdrawalsByUser(_ context.Context, userID ledger.UserID) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.withdrawalsByUser(userID), nil
}

func (m *Memory) AppendRecord(_ context.Context, r ledger.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.records = append(m.data.records, r)
	return nil
}

func (m *Memory) CompleteRecord(_ context.Context, kind ledger.RecordKind, parentID uuid.UUID, status ledger.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.completeRecord(kind, parentID, status, at)
}

func (m *Memory) Records(_ context.Context, kind ledger.RecordKind, parentID uuid.UUID) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.recordsOf(kind, parentID), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory

	// FailOn, when set, is consulted before every write made inside a
	// transaction. A non-nil return aborts the write with that error.
	// Tests use it to simulate storage outages.
	FailOn func(op string) error
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are fully serialized, which also gives LockAccount its
// row-lock semantics.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := tm.data.clone()
	view := &txMemoryView{data: &tm.data, failOn: tm.FailOn}
	if err := fn(view); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

type txMemoryView struct {
	data   *memoryData
	failOn func(op string) error
}

func (tv *txMemoryView) fail(op string) error {
	if tv.failOn == nil {
		return nil
	}
	return tv.failOn(op)
}

func (tv *txMemoryView) CreateAccount(_ context.Context, a ledger.Account) error {
	if err := tv.fail("create_account"); err != nil {
		return err
	}
	return tv.data.createAccount(a)
}

func (tv *txMemoryView) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	return tv.data.getAccount(userID)
}

func (tv *txMemoryView) LockAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	return tv.data.getAccount(userID)
}

func (tv *txMemoryView) SaveAccount(_ context.Context, a ledger.Account) error {
	if err := tv.fail("save_account"); err != nil {
		return err
	}
	return tv.data.saveAccount(a)
}

func (tv *txMemoryView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return tv.data.listAccounts(), nil
}

func (tv *txMemoryView) LoadTiers(_ context.Context) (ledger.TierTable, error) {
	return append(ledger.TierTable{}, tv.data.tiers...), nil
}

func (tv *txMemoryView) ReplaceTiers(_ context.Context, table ledger.TierTable) error {
	if err := tv.fail("replace_tiers"); err != nil {
		return err
	}
	tv.data.tiers = append(ledger.TierTable{}, table...)
	return nil
}

func (tv *txMemoryView) CreateSubmission(_ context.Context, s ledger.Submission) error {
	if err := tv.fail("create_submission"); err != nil {
		return err
	}
	tv.data.submissions[s.ID] = s
	return nil
}

func (tv *txMemoryView) CreateProduct(_ context.Context, p ledger.Product) error {
	if err := tv.fail("create_product"); err != nil {
		return err
	}
	return tv.data.createProduct(p)
}

func (tv *txMemoryView) UpdateProduct(_ context.Context, p ledger.Product) error {
	if err := tv.fail("update_product"); err != nil {
		return err
	}
	return tv.data.updateProduct(p)
}

func (tv *txMemoryView) ProductsByGroup(_ context.Context, userID ledger.UserID, groupID uuid.UUID) ([]ledger.Product, error) {
	return tv.data.productsWhere(func(p ledger.Product) bool {
		return p.UserID == userID && p.CombinedGroupID != nil && *p.CombinedGroupID == groupID
	}), nil
}

func (tv *txMemoryView) ProductsByUser(_ context.Context, userID ledger.UserID) ([]ledger.Product, error) {
	return tv.data.productsWhere(func(p ledger.Product) bool { return p.UserID == userID }), nil
}

func (tv *txMemoryView) PendingGroups(_ context.Context, userID ledger.UserID) ([]ledger.GroupRef, error) {
	return tv.data.pendingGroups(userID), nil
}

func (tv *txMemoryView) CreateRecharge(_ context.Context, r ledger.Recharge) error {
	if err := tv.fail("create_recharge"); err != nil {
		return err
	}
	tv.data.recharges[r.ID] = r
	return nil
}

func (tv *txMemoryView) GetRecharge(_ context.Context, id uuid.UUID) (ledger.Recharge, error) {
	return tv.data.getRecharge(id)
}

func (tv *txMemoryView) UpdateRecharge(_ context.Context, r ledger.Recharge) error {
	if err := tv.fail("update_recharge"); err != nil {
		return err
	}
	return tv.data.updateRecharge(r)
}

func (tv *txMemoryView) RechargesByUser(_ context.Context, userID ledger.UserID) ([]ledger.Recharge, error) {
	return tv.data.rechargesByUser(userID), nil
}

func (tv *txMemoryView) CreateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	if err := tv.fail("create_withdrawal"); err != nil {
		return err
	}
	tv.data.withdrawals[w.ID] = w
	return nil
}

func (tv *txMemoryView) GetWithdrawal(_ context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	return tv.data.getWithdrawal(id)
}

func (tv *txMemoryView) UpdateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	if err := tv.fail("update_withdrawal"); err != nil {
		return err
	}
	return tv.data.updateWithdrawal(w)
}

func (tv *txMemoryView) WithdrawalsByUser(_ context.Context, userID ledger.UserID) ([]ledger.Withdrawal, error) {
	return tv.data.withdrawalsByUser(userID), nil
}

func (tv *txMemoryView) AppendRecord(_ context.Context, r ledger.TransactionRecord) error {
	if err := tv.fail("append_record"); err != nil {
		return err
	}
	tv.data.records = append(tv.data.records, r)
	return nil
}

func (tv *txMemoryView) CompleteRecord(_ context.Context, kind ledger.RecordKind, parentID uuid.UUID, status ledger.Status, at time.Time) error {
	if err := tv.fail("complete_record"); err != nil {
		return err
	}
	return tv.data.completeRecord(kind, parentID, status, at)
}

func (tv *txMemoryView) Records(_ context.Context, kind ledger.RecordKind, parentID uuid.UUID) ([]ledger.TransactionRecord, error) {
	return tv.data.recordsOf(kind, parentID), nil
}

var (
	_ ledger.TxStore = (*TxMemory)(nil)
	_ ledger.Store   = (*txMemoryView)(nil)
)
