package repository

import (
	"context"
	"errors"

	"hostbilling/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound   = errors.New("钱包不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
)

// WalletRepository 钱包仓储接口
// 余额变动只暴露事务性的 Debit/Credit，余额不变式在这一层统一收口
type WalletRepository interface {
	GetOrCreate(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetByOwnerID(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetByOwnerIDForUpdate(ctx context.Context, tx *gorm.DB, ownerID string) (*model.Wallet, error)
	Debit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error
	Credit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error
	UpdateAutoTopup(ctx context.Context, ownerID string, enable bool, below, target int64, paymentMethodID string) error
	SoftDelete(ctx context.Context, ownerID string) error
	ListAlive(ctx context.Context, offset, limit int) ([]*model.Wallet, error)
}

type walletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) GetByOwnerID(ctx context.Context, ownerID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByOwnerIDForUpdate 行锁读取钱包
//
// 【关键点】扣费事务里必须先锁钱包行，再做"查幂等->比余额->扣款"，
// 否则两个 tick（或两个实例）可能同时通过"未扣费"检查，造成重复扣费
func (r *walletRepository) GetByOwnerIDForUpdate(ctx context.Context, tx *gorm.DB, ownerID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Debit 扣款
// WHERE 条件里带 balance >= amount，余额不足时不更新任何行（拒绝，而不是扣成负数）
func (r *walletRepository) Debit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("owner_id = ? AND balance >= ? AND deleted_at IS NULL", ownerID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		wallet, err := r.GetByOwnerID(ctx, ownerID)
		if err != nil {
			return err
		}
		if wallet.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrWalletNotFound
	}

	return nil
}

func (r *walletRepository) Credit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

func (r *walletRepository) UpdateAutoTopup(ctx context.Context, ownerID string, enable bool, below, target int64, paymentMethodID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Updates(map[string]interface{}{
			"auto_topup_enable": enable,
			"auto_topup_below":  below,
			"auto_topup_target": target,
			"payment_method_id": paymentMethodID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// SoftDelete 软删除钱包（身份确认注销后调用），流水保留
func (r *walletRepository) SoftDelete(ctx context.Context, ownerID string) error {
	return r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Update("deleted_at", gorm.Expr("NOW()")).Error
}

// ListAlive 分页列出所有未软删除的钱包（孤儿清理扫描用）
func (r *walletRepository) ListAlive(ctx context.Context, offset, limit int) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}

func (r *walletRepository) GetOrCreate(ctx context.Context, ownerID string) (*model.Wallet, error) {
	wallet, err := r.GetByOwnerID(ctx, ownerID)
	if err == nil {
		return wallet, nil
	}

	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{
		OwnerID: ownerID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error

	if err != nil {
		return nil, err
	}

	return r.GetByOwnerID(ctx, ownerID)
}
