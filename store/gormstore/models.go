package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
)

// Money columns use DECIMAL(38,14): request amounts carry at most
// ledger.MaxScale places and unrounded profit adds the percentage's four
// plus two more from the division by 100. shopspring/decimal scans and
// values them directly.

type accountModel struct {
	UserID               string          `gorm:"column:user_id;primaryKey;size:64"`
	Balance              decimal.Decimal `gorm:"column:balance;type:decimal(38,14);not null"`
	FrozenBalance        decimal.Decimal `gorm:"column:frozen_balance;type:decimal(38,14);not null"`
	CumulativeWithdrawal decimal.Decimal `gorm:"column:cumulative_withdrawal;type:decimal(38,14);not null"`
	ProfitEarned         decimal.Decimal `gorm:"column:profit_earned;type:decimal(38,14);not null"`
	IsPending            bool            `gorm:"column:is_pending;not null"`
	NegativeThreshold    decimal.Decimal `gorm:"column:negative_threshold;type:decimal(38,14);not null"`
	ClickRemaining       int             `gorm:"column:click_remaining;not null"`
	IsActive             bool            `gorm:"column:is_active;not null"`
	DeletedAt            *time.Time      `gorm:"column:deleted_at;type:datetime(6)"`
	CreatedAt            time.Time       `gorm:"column:created_at;type:datetime(6);autoCreateTime:false"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;type:datetime(6);autoUpdateTime:false"`
}

func (accountModel) TableName() string { return "accounts" }

type tierModel struct {
	Level                     int                 `gorm:"column:level;primaryKey;autoIncrement:false"`
	MinAmount                 decimal.Decimal     `gorm:"column:min_amount;type:decimal(38,14);not null"`
	MaxAmount                 decimal.NullDecimal `gorm:"column:max_amount;type:decimal(38,14)"`
	SingleProductPercentage   decimal.Decimal     `gorm:"column:single_product_percentage;type:decimal(10,4);not null"`
	CombinedProductPercentage decimal.Decimal     `gorm:"column:combined_product_percentage;type:decimal(10,4);not null"`
	ProductsPerSection        int                 `gorm:"column:products_per_section;not null"`
	MinProfitRange            decimal.Decimal     `gorm:"column:min_profit_range;type:decimal(38,14);not null"`
	MaxProfitRange            decimal.Decimal     `gorm:"column:max_profit_range;type:decimal(38,14);not null"`
}

func (tierModel) TableName() string { return "vip_tiers" }

type submissionModel struct {
	ID          string          `gorm:"column:id;primaryKey;size:36"`
	UserID      string          `gorm:"column:user_id;size:64;not null;index"`
	TotalProfit decimal.Decimal `gorm:"column:total_profit;type:decimal(38,14);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:datetime(6);autoCreateTime:false"`
}

func (submissionModel) TableName() string { return "submissions" }

type productModel struct {
	ID              string          `gorm:"column:id;primaryKey;size:36"`
	UserID          string          `gorm:"column:user_id;size:64;not null;index:idx_products_user_group"`
	SubmissionID    string          `gorm:"column:submission_id;size:36;not null;index"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(38,14);not null"`
	IsCombined      bool            `gorm:"column:is_combined;not null"`
	CombinedGroupID *string         `gorm:"column:combined_group_id;size:36;index:idx_products_user_group"`
	Profit          decimal.Decimal `gorm:"column:profit;type:decimal(38,14);not null"`
	ProfitAccrued   bool            `gorm:"column:profit_accrued;not null"`
	Status          string          `gorm:"column:status;size:16;not null;index"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:datetime(6);autoCreateTime:false"`
	CompletedAt     *time.Time      `gorm:"column:completed_at;type:datetime(6)"`
}

func (productModel) TableName() string { return "products" }

type rechargeModel struct {
	ID          string          `gorm:"column:id;primaryKey;size:36"`
	UserID      string          `gorm:"column:user_id;size:64;not null;index"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,14);not null"`
	Status      string          `gorm:"column:status;size:16;not null"`
	ApprovedBy  string          `gorm:"column:approved_by;size:64"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:datetime(6);autoCreateTime:false"`
	CompletedAt *time.Time      `gorm:"column:completed_at;type:datetime(6)"`
}

func (rechargeModel) TableName() string { return "recharges" }

type withdrawalModel struct {
	ID              string          `gorm:"column:id;primaryKey;size:36"`
	UserID          string          `gorm:"column:user_id;size:64;not null;index"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(38,14);not null"`
	Status          string          `gorm:"column:status;size:16;not null"`
	ProcessedBy     string          `gorm:"column:processed_by;size:64"`
	RejectionReason string          `gorm:"column:rejection_reason;size:255"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:datetime(6);autoCreateTime:false"`
	CompletedAt     *time.Time      `gorm:"column:completed_at;type:datetime(6)"`
}

func (withdrawalModel) TableName() string { return "withdrawals" }

// recordModel orders records by Seq; the latest one per parent is the one
// CompleteRecord touches.
type recordModel struct {
	Seq             uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	ID              string    `gorm:"column:id;size:36;uniqueIndex"`
	Kind            string    `gorm:"column:kind;size:16;not null;index:idx_records_parent"`
	ParentID        string    `gorm:"column:parent_id;size:36;not null;index:idx_records_parent"`
	UserID          string    `gorm:"column:user_id;size:64;not null"`
	Status          string    `gorm:"column:status;size:16;not null"`
	TransactionTime time.Time `gorm:"column:transaction_time;type:datetime(6)"`
}

func (recordModel) TableName() string { return "transaction_records" }

type auditModel struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	Actor      string    `gorm:"column:actor;size:64;not null;index"`
	Action     string    `gorm:"column:action;size:32;not null;index"`
	TargetUser string    `gorm:"column:target_user;size:64;index"`
	Details    string    `gorm:"column:details;type:text"`
	Timestamp  time.Time `gorm:"column:timestamp;type:datetime(6);index"`
}

func (auditModel) TableName() string { return "audit_log" }

func allModels() []any {
	return []any{
		&accountModel{}, &tierModel{}, &submissionModel{}, &productModel{},
		&rechargeModel{}, &withdrawalModel{}, &recordModel{}, &auditModel{},
	}
}
