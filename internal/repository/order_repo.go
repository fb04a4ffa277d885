package repository

import (
	"context"
	"errors"
	"time"

	"hostbilling/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
)

// OrderRepository 开通订单仓储接口
type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.ProvisionOrder) error
	GetByOrderNo(ctx context.Context, orderNo string) (*model.ProvisionOrder, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.ProvisionOrder, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, orderNo string, fromStatus, toStatus string) error
	GetExpiredOrders(ctx context.Context, limit int) ([]*model.ProvisionOrder, error)
	ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.ProvisionOrder, int64, error)
	// CancelPendingByOwner 取消某用户全部未支付订单（孤儿清理用），返回取消数量
	CancelPendingByOwner(ctx context.Context, ownerID string) (int64, error)
}

type orderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.ProvisionOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.ProvisionOrder, error) {
	var order model.ProvisionOrder
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetByRequestID(ctx context.Context, requestID string) (*model.ProvisionOrder, error) {
	var order model.ProvisionOrder
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, orderNo string, fromStatus, toStatus string) error {
	if !model.CanOrderTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if toStatus == model.OrderStatusPaid {
		now := time.Now()
		updates["paid_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.ProvisionOrder{}).
		Where("order_no = ? AND status = ?", orderNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return nil
}

func (r *orderRepository) GetExpiredOrders(ctx context.Context, limit int) ([]*model.ProvisionOrder, error) {
	var orders []*model.ProvisionOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND expired_at < ?", model.OrderStatusCreated, time.Now()).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.ProvisionOrder, int64, error) {
	var orders []*model.ProvisionOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ProvisionOrder{}).Where("owner_id = ?", ownerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}

func (r *orderRepository) CancelPendingByOwner(ctx context.Context, ownerID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.ProvisionOrder{}).
		Where("owner_id = ? AND status = ?", ownerID, model.OrderStatusCreated).
		Update("status", model.OrderStatusCancelled)
	return result.RowsAffected, result.Error
}
