package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"hostbilling/internal/model"
	"hostbilling/internal/repository"
	"hostbilling/pkg/idgen"

	"gorm.io/gorm"
)

var ErrInvalidAmount = errors.New("金额必须大于0")

// WalletService 钱包服务：充值、调账、流水查询
type WalletService struct {
	txm        TxManager
	walletRepo repository.WalletRepository
	ledgerRepo repository.LedgerRepository
}

func NewWalletService(txm TxManager, walletRepo repository.WalletRepository, ledgerRepo repository.LedgerRepository) *WalletService {
	return &WalletService{
		txm:        txm,
		walletRepo: walletRepo,
		ledgerRepo: ledgerRepo,
	}
}

func (s *WalletService) GetWallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, ownerID)
}

// Credit 入账（充值/退款/网关回调）
// externalEventID 非空时按外部事件幂等：同一事件重复回调只入账一次
func (s *WalletService) Credit(ctx context.Context, ownerID string, amount int64, entryType, externalEventID, metadata string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	wallet, err := s.walletRepo.GetOrCreate(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("获取钱包失败: %w", err)
	}

	return s.txm.Transaction(func(tx *gorm.DB) error {
		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			OwnerID:       ownerID,
			Amount:        amount,
			Type:          entryType,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance + amount,
			Metadata:      metadata,
		}
		if externalEventID != "" {
			entry.ExternalEventID = &externalEventID
		}

		inserted, err := s.ledgerRepo.Append(ctx, tx, entry)
		if err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		if !inserted {
			log.Printf("[WalletService] 外部事件已入账，跳过: ownerID=%s, eventID=%s", ownerID, externalEventID)
			return nil
		}

		if err := s.walletRepo.Credit(ctx, tx, ownerID, amount); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}
		return nil
	})
}

// Adjust 管理员调账，负数走扣款路径（余额不足会被拒绝）
func (s *WalletService) Adjust(ctx context.Context, ownerID string, amount int64, reason string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	if _, err := s.walletRepo.GetOrCreate(ctx, ownerID); err != nil {
		return fmt.Errorf("获取钱包失败: %w", err)
	}

	return s.txm.Transaction(func(tx *gorm.DB) error {
		locked, err := s.walletRepo.GetByOwnerIDForUpdate(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		if amount > 0 {
			if err := s.walletRepo.Credit(ctx, tx, ownerID, amount); err != nil {
				return err
			}
		} else {
			if err := s.walletRepo.Debit(ctx, tx, ownerID, -amount); err != nil {
				return err
			}
		}

		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			OwnerID:       ownerID,
			Amount:        amount,
			Type:          model.LedgerTypeAdjust,
			BalanceBefore: locked.Balance,
			BalanceAfter:  locked.Balance + amount,
			Metadata:      fmt.Sprintf("调账-%s", reason),
		}
		if _, err := s.ledgerRepo.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		return nil
	})
}

func (s *WalletService) SetAutoTopup(ctx context.Context, ownerID string, enable bool, below, target int64, paymentMethodID string) error {
	if enable && (target <= 0 || below < 0 || target <= below) {
		return errors.New("自动充值阈值配置不合法")
	}
	if _, err := s.walletRepo.GetOrCreate(ctx, ownerID); err != nil {
		return err
	}
	return s.walletRepo.UpdateAutoTopup(ctx, ownerID, enable, below, target, paymentMethodID)
}

func (s *WalletService) ListLedger(ctx context.Context, ownerID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListByOwner(ctx, ownerID, page, pageSize)
}
