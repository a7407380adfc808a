/*
Package moderation holds the admin actions that change an account's
standing without moving money.

  CreateUser   open the account                       user_creation
  ToggleBlock  flip IsActive, refused once deleted    user_blocked / user_unblocked
  Freeze       IsActive=false and soft-delete marker  user_frozen
  Delete       soft delete, the row is kept           user_deleted
  Restore      clear the marker, reactivate           user_restored
  Configure    threshold / click allowance            settings_changed
  ReplaceTiers install a new VIP tier table           tiers_replaced

Every action is audited after it commits. The audit recorder never blocks
and its failures never fail the action.
*/
package moderation

import (
	"context"
	"fmt"

	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"go.uber.org/zap"
)

type Service struct {
	engine *ledger.Engine
	audit  audit.Recorder
	logger *zap.Logger
}

func NewService(engine *ledger.Engine, recorder audit.Recorder, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, audit: recorder, logger: logger.Named("moderation")}
}

func (s *Service) CreateUser(ctx context.Context, actor string, userID ledger.UserID, settings ledger.Settings) (ledger.Account, error) {
	acct, err := s.engine.OpenAccount(ctx, userID, settings)
	if err != nil {
		return ledger.Account{}, err
	}
	s.record(actor, audit.ActionUserCreated, userID, map[string]any{
		"negative_threshold": acct.NegativeThreshold.String(),
		"click_remaining":    acct.ClickRemaining,
	})
	return acct, nil
}

// ToggleBlock flips the account between active and blocked. Frozen and
// deleted accounts only come back through Restore.
func (s *Service) ToggleBlock(ctx context.Context, actor string, userID ledger.UserID) (ledger.Account, error) {
	acct, err := s.engine.Update(ctx, userID, "toggle_block", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		if a.DeletedAt != nil {
			return a, fmt.Errorf("%w: account %s is frozen or deleted, restore it first", ledger.ErrAccountInactive, a.UserID)
		}
		a.IsActive = !a.IsActive
		return a, nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	action := audit.ActionUserBlocked
	if acct.IsActive {
		action = audit.ActionUserUnblocked
	}
	s.record(actor, action, userID, map[string]any{"is_active": acct.IsActive})
	return acct, nil
}

// Freeze deactivates the account and sets the soft-delete marker.
func (s *Service) Freeze(ctx context.Context, actor string, userID ledger.UserID) (ledger.Account, error) {
	acct, err := s.engine.Update(ctx, userID, "freeze", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		a.IsActive = false
		if a.DeletedAt == nil {
			now := s.engine.Now()
			a.DeletedAt = &now
		}
		return a, nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.record(actor, audit.ActionUserFrozen, userID, map[string]any{"frozen_by": actor})
	return acct, nil
}

// Delete soft-deletes the account. Balances are retained. Deleting twice
// keeps the first timestamp.
func (s *Service) Delete(ctx context.Context, actor string, userID ledger.UserID) (ledger.Account, error) {
	acct, err := s.engine.Update(ctx, userID, "delete", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		if a.DeletedAt == nil {
			now := s.engine.Now()
			a.DeletedAt = &now
		}
		return a, nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.record(actor, audit.ActionUserDeleted, userID, map[string]any{
		"balance":        acct.Balance.String(),
		"frozen_balance": acct.FrozenBalance.String(),
	})
	return acct, nil
}

// Restore undoes Freeze or Delete.
func (s *Service) Restore(ctx context.Context, actor string, userID ledger.UserID) (ledger.Account, error) {
	acct, err := s.engine.Update(ctx, userID, "restore", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		a.DeletedAt = nil
		a.IsActive = true
		return a, nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.record(actor, audit.ActionUserRestored, userID, nil)
	return acct, nil
}

// Configure changes the negative threshold and/or click allowance.
func (s *Service) Configure(ctx context.Context, actor string, userID ledger.UserID, settings ledger.Settings) (ledger.Account, error) {
	if settings.ClickRemaining != nil && *settings.ClickRemaining < 0 {
		return ledger.Account{}, fmt.Errorf("%w: click allowance %d is negative", ledger.ErrInvalidSettings, *settings.ClickRemaining)
	}
	// before is captured under the account lock.
	var before ledger.Account
	acct, err := s.engine.Update(ctx, userID, "configure", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		before = a
		return a.Configure(settings)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	details := map[string]any{}
	if settings.NegativeThreshold != nil {
		details["negative_threshold"] = map[string]string{
			"from": before.NegativeThreshold.String(),
			"to":   acct.NegativeThreshold.String(),
		}
	}
	if settings.ClickRemaining != nil {
		details["click_remaining"] = map[string]int{
			"from": before.ClickRemaining,
			"to":   acct.ClickRemaining,
		}
	}
	s.record(actor, audit.ActionSettingsChanged, userID, details)
	return acct, nil
}

func (s *Service) ReplaceTiers(ctx context.Context, actor string, table ledger.TierTable) error {
	if err := s.engine.ReplaceTiers(ctx, table); err != nil {
		return err
	}
	s.record(actor, audit.ActionTiersReplaced, "", map[string]any{"levels": len(table)})
	return nil
}

func (s *Service) record(actor string, action audit.Action, target ledger.UserID, details map[string]any) {
	s.logger.Info("moderation action",
		zap.String("actor", actor),
		zap.String("action", string(action)),
		zap.String("target", string(target)))
	s.audit.Record(audit.NewEntry(actor, action, target, s.engine.Now(), details))
}
