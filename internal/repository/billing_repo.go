package repository

import (
	"context"
	"errors"
	"time"

	"hostbilling/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBillingNotFound      = errors.New("计费记录不存在")
	ErrBillingStatusInvalid = errors.New("计费状态不合法")
)

// BillingRepository 资源计费仓储接口
// 状态变更走 CAS（WHERE status = 旧状态），防止并发 tick 重复推进
type BillingRepository interface {
	Create(ctx context.Context, tx *gorm.DB, rb *model.ResourceBilling) error
	GetByResourceID(ctx context.Context, resourceID string) (*model.ResourceBilling, error)
	// GetDueResources 查询到期待扣费的资源：next_charge_at <= now 且开启自动续费
	GetDueResources(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error)
	// GetSuspendDue 查询宽限期已过、待停机的欠费资源
	GetSuspendDue(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error)
	// GetSuspendedBefore 查询停机后仍长期欠费、待注销的资源
	GetSuspendedBefore(ctx context.Context, before time.Time, limit int) ([]*model.ResourceBilling, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.ResourceBilling, error)
	// AdvanceAfterCharge 扣费成功后推进：status=PAID、更新账期时间、清除停机时间
	AdvanceAfterCharge(ctx context.Context, tx *gorm.DB, resourceID string, lastBilledAt, nextChargeAt time.Time) error
	// AdvancePeriod 幂等重放时只推进账期，不改已付状态之外的字段
	AdvancePeriod(ctx context.Context, tx *gorm.DB, resourceID string, nextChargeAt time.Time) error
	// MarkUnpaid 余额不足时标记欠费并设置宽限期截止时间
	MarkUnpaid(ctx context.Context, tx *gorm.DB, resourceID string, suspendAt time.Time) error
	UpdateStatus(ctx context.Context, tx *gorm.DB, resourceID, fromStatus, toStatus string) error
	// MarkCancelled 注销是终态，允许从任意状态直接落下去
	MarkCancelled(ctx context.Context, tx *gorm.DB, resourceID string) error
	// CancelByOwner 注销某用户全部计费记录（孤儿清理用），返回影响行数
	CancelByOwner(ctx context.Context, ownerID string) (int64, error)
}

type billingRepository struct {
	db *gorm.DB
}

func NewBillingRepository(db *gorm.DB) BillingRepository {
	return &billingRepository{db: db}
}

func (r *billingRepository) Create(ctx context.Context, tx *gorm.DB, rb *model.ResourceBilling) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}},
			DoNothing: true,
		}).
		Create(rb).Error
}

func (r *billingRepository) GetByResourceID(ctx context.Context, resourceID string) (*model.ResourceBilling, error) {
	var rb model.ResourceBilling
	err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&rb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBillingNotFound
		}
		return nil, err
	}
	return &rb, nil
}

func (r *billingRepository) GetDueResources(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error) {
	var resources []*model.ResourceBilling
	err := r.db.WithContext(ctx).
		Where("next_charge_at <= ? AND status IN ? AND auto_renew = ?",
			now,
			[]string{model.BillingStatusActive, model.BillingStatusPaid, model.BillingStatusUnpaid},
			true).
		Order("next_charge_at ASC").
		Limit(limit).
		Find(&resources).Error
	return resources, err
}

func (r *billingRepository) GetSuspendDue(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error) {
	var resources []*model.ResourceBilling
	err := r.db.WithContext(ctx).
		Where("status IN ? AND suspend_at IS NOT NULL AND suspend_at <= ?",
			[]string{model.BillingStatusUnpaid, model.BillingStatusOverdue},
			now).
		Order("suspend_at ASC").
		Limit(limit).
		Find(&resources).Error
	return resources, err
}

func (r *billingRepository) GetSuspendedBefore(ctx context.Context, before time.Time, limit int) ([]*model.ResourceBilling, error) {
	var resources []*model.ResourceBilling
	err := r.db.WithContext(ctx).
		Where("status = ? AND suspend_at IS NOT NULL AND suspend_at <= ?",
			model.BillingStatusSuspended, before).
		Order("suspend_at ASC").
		Limit(limit).
		Find(&resources).Error
	return resources, err
}

func (r *billingRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.ResourceBilling, error) {
	var resources []*model.ResourceBilling
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&resources).Error
	return resources, err
}

func (r *billingRepository) AdvanceAfterCharge(ctx context.Context, tx *gorm.DB, resourceID string, lastBilledAt, nextChargeAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("resource_id = ? AND status IN ?", resourceID,
			[]string{model.BillingStatusActive, model.BillingStatusPaid,
				model.BillingStatusUnpaid, model.BillingStatusOverdue, model.BillingStatusSuspended}).
		Updates(map[string]interface{}{
			"status":         model.BillingStatusPaid,
			"last_billed_at": lastBilledAt,
			"next_charge_at": nextChargeAt,
			"suspend_at":     nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBillingStatusInvalid
	}
	return nil
}

func (r *billingRepository) AdvancePeriod(ctx context.Context, tx *gorm.DB, resourceID string, nextChargeAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("resource_id = ? AND next_charge_at < ?", resourceID, nextChargeAt).
		Update("next_charge_at", nextChargeAt).Error
}

func (r *billingRepository) MarkUnpaid(ctx context.Context, tx *gorm.DB, resourceID string, suspendAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	// 已经是 UNPAID 的不重复设置宽限期，避免反复 tick 把截止时间往后推
	result := tx.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("resource_id = ? AND status IN ?", resourceID,
			[]string{model.BillingStatusActive, model.BillingStatusPaid}).
		Updates(map[string]interface{}{
			"status":     model.BillingStatusUnpaid,
			"suspend_at": suspendAt,
		})
	return result.Error
}

func (r *billingRepository) MarkCancelled(ctx context.Context, tx *gorm.DB, resourceID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("resource_id = ? AND status <> ?", resourceID, model.BillingStatusCancelled).
		Updates(map[string]interface{}{
			"status":     model.BillingStatusCancelled,
			"auto_renew": false,
		}).Error
}

func (r *billingRepository) CancelByOwner(ctx context.Context, ownerID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("owner_id = ? AND status <> ?", ownerID, model.BillingStatusCancelled).
		Updates(map[string]interface{}{
			"status":     model.BillingStatusCancelled,
			"auto_renew": false,
		})
	return result.RowsAffected, result.Error
}

func (r *billingRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, resourceID, fromStatus, toStatus string) error {
	if !model.CanBillingTransitionTo(fromStatus, toStatus) {
		return ErrBillingStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.ResourceBilling{}).
		Where("resource_id = ? AND status = ?", resourceID, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBillingStatusInvalid
	}

	return nil
}
