/*
Package gormstore implements ledger.TxStore and audit.Store on MySQL via GORM.

PURPOSE:
  The production store for multi-instance deployments. Unlike SQLite, MySQL
  lets several transactions run at once, so LockAccount takes a real row
  lock with SELECT ... FOR UPDATE.

USAGE:
  store, err := gormstore.Open("user:pass@tcp(localhost:3306)/ledger?parseTime=true")
  if err != nil {
      log.Fatal(err)
  }
  if err := store.Migrate(ctx); err != nil { ... }
  engine := ledger.NewEngine(store)

SEE ALSO:
  - models.go: Table definitions
  - store/sqlite: Single-node store with the same semantics
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// Open connects to MySQL. The DSN must set parseTime=true.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle, for tests and migrations.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(allModels()...)
}

// DropAll removes every table. Tests only.
func (s *Store) DropAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Migrator().DropTable(allModels()...)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// updated turns a zero-row update into ErrNotFound. MySQL reports 0 rows
// affected when values are unchanged, so existence is checked separately.
func (s *Store) updated(ctx context.Context, res *gorm.DB, model any, where string, arg any, entity string) error {
	if res.Error != nil {
		return fmt.Errorf("failed to update %s: %w", entity, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.conn(ctx).Model(model).Where(where, arg).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound(entity, arg)
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	err := s.conn(ctx).Create(toAccountModel(a)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrAccountExists
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return s.findAccount(s.conn(ctx), userID)
}

// LockAccount holds the row with FOR UPDATE until the transaction ends.
func (s *Store) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return s.findAccount(s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (s *Store) findAccount(db *gorm.DB, userID ledger.UserID) (ledger.Account, error) {
	var m accountModel
	err := db.Where("user_id = ?", string(userID)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, ledger.NotFound("account", userID)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return m.toDomain(), nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	m := toAccountModel(a)
	res := s.conn(ctx).Model(&accountModel{}).
		Where("user_id = ?", m.UserID).
		Select("*").Omit("user_id", "created_at").
		Updates(m)
	return s.updated(ctx, res, &accountModel{}, "user_id = ?", m.UserID, "account")
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var ms []accountModel
	if err := s.conn(ctx).Order("user_id").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Account, len(ms))
	for i, m := range ms {
		out[i] = m.toDomain()
	}
	return out, nil
}

func toAccountModel(a ledger.Account) *accountModel {
	return &accountModel{
		UserID:               string(a.UserID),
		Balance:              a.Balance,
		FrozenBalance:        a.FrozenBalance,
		CumulativeWithdrawal: a.CumulativeWithdrawal,
		ProfitEarned:         a.ProfitEarned,
		IsPending:            a.IsPending,
		NegativeThreshold:    a.NegativeThreshold,
		ClickRemaining:       a.ClickRemaining,
		IsActive:             a.IsActive,
		DeletedAt:            a.DeletedAt,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

func (m accountModel) toDomain() ledger.Account {
	return ledger.Account{
		UserID:               ledger.UserID(m.UserID),
		Balance:              m.Balance,
		FrozenBalance:        m.FrozenBalance,
		CumulativeWithdrawal: m.CumulativeWithdrawal,
		ProfitEarned:         m.ProfitEarned,
		IsPending:            m.IsPending,
		NegativeThreshold:    m.NegativeThreshold,
		ClickRemaining:       m.ClickRemaining,
		IsActive:             m.IsActive,
		DeletedAt:            m.DeletedAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

// =============================================================================
// VIP TIERS
// =============================================================================

func (s *Store) LoadTiers(ctx context.Context) (ledger.TierTable, error) {
	var ms []tierModel
	if err := s.conn(ctx).Order("level").Find(&ms).Error; err != nil {
		return nil, err
	}
	table := make(ledger.TierTable, len(ms))
	for i, m := range ms {
		t := ledger.Tier{
			Level:                     m.Level,
			MinAmount:                 m.MinAmount,
			SingleProductPercentage:   m.SingleProductPercentage,
			CombinedProductPercentage: m.CombinedProductPercentage,
			ProductsPerSection:        m.ProductsPerSection,
			MinProfitRange:            m.MinProfitRange,
			MaxProfitRange:            m.MaxProfitRange,
		}
		if m.MaxAmount.Valid {
			v := m.MaxAmount.Decimal
			t.MaxAmount = &v
		}
		table[i] = t
	}
	return table, nil
}

func (s *Store) ReplaceTiers(ctx context.Context, table ledger.TierTable) error {
	db := s.conn(ctx)
	if err := db.Where("1 = 1").Delete(&tierModel{}).Error; err != nil {
		return err
	}
	if len(table) == 0 {
		return nil
	}
	ms := make([]tierModel, len(table))
	for i, t := range table {
		ms[i] = tierModel{
			Level:                     t.Level,
			MinAmount:                 t.MinAmount,
			SingleProductPercentage:   t.SingleProductPercentage,
			CombinedProductPercentage: t.CombinedProductPercentage,
			ProductsPerSection:        t.ProductsPerSection,
			MinProfitRange:            t.MinProfitRange,
			MaxProfitRange:            t.MaxProfitRange,
		}
		if t.MaxAmount != nil {
			ms[i].MaxAmount = decimal.NewNullDecimal(*t.MaxAmount)
		}
	}
	return db.Create(&ms).Error
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) CreateSubmission(ctx context.Context, sub ledger.Submission) error {
	return s.conn(ctx).Create(&submissionModel{
		ID:          sub.ID.String(),
		UserID:      string(sub.UserID),
		TotalProfit: sub.TotalProfit,
		CreatedAt:   sub.CreatedAt,
	}).Error
}

func (s *Store) CreateProduct(ctx context.Context, p ledger.Product) error {
	return s.conn(ctx).Create(toProductModel(p)).Error
}

func (s *Store) UpdateProduct(ctx context.Context, p ledger.Product) error {
	m := toProductModel(p)
	res := s.conn(ctx).Model(&productModel{}).
		Where("id = ?", m.ID).
		Select("is_combined", "combined_group_id", "profit", "profit_accrued", "status", "completed_at").
		Updates(m)
	return s.updated(ctx, res, &productModel{}, "id = ?", m.ID, "product")
}

func (s *Store) ProductsByGroup(ctx context.Context, userID ledger.UserID, groupID uuid.UUID) ([]ledger.Product, error) {
	return s.findProducts(s.conn(ctx).Where("user_id = ? AND combined_group_id = ?", string(userID), groupID.String()))
}

func (s *Store) ProductsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Product, error) {
	return s.findProducts(s.conn(ctx).Where("user_id = ?", string(userID)))
}

func (s *Store) findProducts(db *gorm.DB) ([]ledger.Product, error) {
	var ms []productModel
	if err := db.Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Product, 0, len(ms))
	for _, m := range ms {
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) PendingGroups(ctx context.Context, userID ledger.UserID) ([]ledger.GroupRef, error) {
	q := s.conn(ctx).Model(&productModel{}).
		Select("user_id, combined_group_id").
		Where("status = ? AND combined_group_id IS NOT NULL", string(ledger.StatusPending))
	if userID != "" {
		q = q.Where("user_id = ?", string(userID))
	}
	var rows []struct {
		UserID          string
		CombinedGroupID string
	}
	q = q.Group("user_id, combined_group_id").Order("user_id, MIN(created_at), combined_group_id")
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.GroupRef, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.CombinedGroupID)
		if err != nil {
			return nil, fmt.Errorf("bad group id %q: %w", r.CombinedGroupID, err)
		}
		out = append(out, ledger.GroupRef{UserID: ledger.UserID(r.UserID), GroupID: id})
	}
	return out, nil
}

func toProductModel(p ledger.Product) *productModel {
	m := &productModel{
		ID:            p.ID.String(),
		UserID:        string(p.UserID),
		SubmissionID:  p.SubmissionID.String(),
		Amount:        p.Amount,
		IsCombined:    p.IsCombined,
		Profit:        p.Profit,
		ProfitAccrued: p.ProfitAccrued,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
	}
	if p.CombinedGroupID != nil {
		g := p.CombinedGroupID.String()
		m.CombinedGroupID = &g
	}
	return m
}

func (m productModel) toDomain() (ledger.Product, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return ledger.Product{}, err
	}
	sub, err := uuid.Parse(m.SubmissionID)
	if err != nil {
		return ledger.Product{}, err
	}
	p := ledger.Product{
		ID:            id,
		UserID:        ledger.UserID(m.UserID),
		SubmissionID:  sub,
		Amount:        m.Amount,
		IsCombined:    m.IsCombined,
		Profit:        m.Profit,
		ProfitAccrued: m.ProfitAccrued,
		Status:        ledger.Status(m.Status),
		CreatedAt:     m.CreatedAt,
		CompletedAt:   m.CompletedAt,
	}
	if m.CombinedGroupID != nil {
		g, err := uuid.Parse(*m.CombinedGroupID)
		if err != nil {
			return ledger.Product{}, err
		}
		p.CombinedGroupID = &g
	}
	return p, nil
}

// =============================================================================
// RECHARGES
// =============================================================================

func (s *Store) CreateRecharge(ctx context.Context, r ledger.Recharge) error {
	return s.conn(ctx).Create(toRechargeModel(r)).Error
}

func (s *Store) GetRecharge(ctx context.Context, id uuid.UUID) (ledger.Recharge, error) {
	var m rechargeModel
	err := s.conn(ctx).Where("id = ?", id.String()).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Recharge{}, ledger.NotFound("recharge", id)
	}
	if err != nil {
		return ledger.Recharge{}, err
	}
	return m.toDomain()
}

func (s *Store) UpdateRecharge(ctx context.Context, r ledger.Recharge) error {
	m := toRechargeModel(r)
	res := s.conn(ctx).Model(&rechargeModel{}).
		Where("id = ?", m.ID).
		Select("status", "approved_by", "completed_at").
		Updates(m)
	return s.updated(ctx, res, &rechargeModel{}, "id = ?", m.ID, "recharge")
}

func (s *Store) RechargesByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Recharge, error) {
	var ms []rechargeModel
	if err := s.conn(ctx).Where("user_id = ?", string(userID)).Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Recharge, 0, len(ms))
	for _, m := range ms {
		r, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toRechargeModel(r ledger.Recharge) *rechargeModel {
	return &rechargeModel{
		ID:          r.ID.String(),
		UserID:      string(r.UserID),
		Amount:      r.Amount,
		Status:      string(r.Status),
		ApprovedBy:  r.ApprovedBy,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (m rechargeModel) toDomain() (ledger.Recharge, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return ledger.Recharge{}, err
	}
	return ledger.Recharge{
		ID:          id,
		UserID:      ledger.UserID(m.UserID),
		Amount:      m.Amount,
		Status:      ledger.Status(m.Status),
		ApprovedBy:  m.ApprovedBy,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (s *Store) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	return s.conn(ctx).Create(toWithdrawalModel(w)).Error
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	var m withdrawalModel
	err := s.conn(ctx).Where("id = ?", id.String()).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Withdrawal{}, ledger.NotFound("withdrawal", id)
	}
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return m.toDomain()
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	m := toWithdrawalModel(w)
	res := s.conn(ctx).Model(&withdrawalModel{}).
		Where("id = ?", m.ID).
		Select("status", "processed_by", "rejection_reason", "completed_at").
		Updates(m)
	return s.updated(ctx, res, &withdrawalModel{}, "id = ?", m.ID, "withdrawal")
}

func (s *Store) WithdrawalsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Withdrawal, error) {
	var ms []withdrawalModel
	if err := s.conn(ctx).Where("user_id = ?", string(userID)).Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Withdrawal, 0, len(ms))
	for _, m := range ms {
		w, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func toWithdrawalModel(w ledger.Withdrawal) *withdrawalModel {
	return &withdrawalModel{
		ID:              w.ID.String(),
		UserID:          string(w.UserID),
		Amount:          w.Amount,
		Status:          string(w.Status),
		ProcessedBy:     w.ProcessedBy,
		RejectionReason: w.RejectionReason,
		CreatedAt:       w.CreatedAt,
		CompletedAt:     w.CompletedAt,
	}
}

func (m withdrawalModel) toDomain() (ledger.Withdrawal, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return ledger.Withdrawal{
		ID:              id,
		UserID:          ledger.UserID(m.UserID),
		Amount:          m.Amount,
		Status:          ledger.Status(m.Status),
		ProcessedBy:     m.ProcessedBy,
		RejectionReason: m.RejectionReason,
		CreatedAt:       m.CreatedAt,
		CompletedAt:     m.CompletedAt,
	}, nil
}

// =============================================================================
// TRANSACTION RECORDS
// =============================================================================

func (s *Store) AppendRecord(ctx context.Context, r ledger.TransactionRecord) error {
	return s.conn(ctx).Create(&recordModel{
		ID:              r.ID.String(),
		Kind:            string(r.Kind),
		ParentID:        r.ParentID.String(),
		UserID:          string(r.UserID),
		Status:          string(r.Status),
		TransactionTime: r.TransactionTime,
	}).Error
}

func (s *Store) CompleteRecord(ctx context.Context, kind ledger.RecordKind, parentID uuid.UUID, status ledger.Status, at time.Time) error {
	var m recordModel
	err := s.conn(ctx).
		Where("kind = ? AND parent_id = ?", string(kind), parentID.String()).
		Order("seq DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.NotFound(string(kind)+" record", parentID)
	}
	if err != nil {
		return err
	}
	return s.conn(ctx).Model(&recordModel{}).Where("seq = ?", m.Seq).
		Updates(map[string]any{"status": string(status), "transaction_time": at}).Error
}

func (s *Store) Records(ctx context.Context, kind ledger.RecordKind, parentID uuid.UUID) ([]ledger.TransactionRecord, error) {
	var ms []recordModel
	err := s.conn(ctx).
		Where("kind = ? AND parent_id = ?", string(kind), parentID.String()).
		Order("seq").Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.TransactionRecord, 0, len(ms))
	for _, m := range ms {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.TransactionRecord{
			ID:              id,
			Kind:            ledger.RecordKind(m.Kind),
			ParentID:        parentID,
			UserID:          ledger.UserID(m.UserID),
			Status:          ledger.Status(m.Status),
			TransactionTime: m.TransactionTime,
		})
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG (audit.Store interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	m := auditModel{
		ID:         e.ID.String(),
		Actor:      e.Actor,
		Action:     string(e.Action),
		TargetUser: string(e.TargetUser),
		Timestamp:  e.Timestamp,
	}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		m.Details = string(raw)
	}
	// redelivered queue tasks carry the same id
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	q := s.conn(ctx).Model(&auditModel{})
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.TargetUser != "" {
		q = q.Where("target_user = ?", string(f.TargetUser))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		q = q.Where("action IN ?", actions)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var ms []auditModel
	if err := q.Order("timestamp DESC, id DESC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]audit.Entry, 0, len(ms))
	for _, m := range ms {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			return nil, err
		}
		e := audit.Entry{
			ID:         id,
			Actor:      m.Actor,
			Action:     audit.Action(m.Action),
			TargetUser: ledger.UserID(m.TargetUser),
			Timestamp:  m.Timestamp,
		}
		if m.Details != "" {
			if err := json.Unmarshal([]byte(m.Details), &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, nil
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
)
