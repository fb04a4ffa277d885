package model

import (
	"time"
)

const (
	OrderStatusCreated   = "CREATED"
	OrderStatusPaying    = "PAYING"
	OrderStatusPaid      = "PAID"
	OrderStatusFailed    = "FAILED"
	OrderStatusClosed    = "CLOSED"
	OrderStatusCancelled = "CANCELLED"
)

var ValidOrderTransitions = map[string][]string{
	OrderStatusCreated: {OrderStatusPaying, OrderStatusClosed, OrderStatusCancelled},
	OrderStatusPaying:  {OrderStatusPaid, OrderStatusFailed},
}

func CanOrderTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidOrderTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ProvisionOrder 开通订单表
// 用户下单开通新服务器：从钱包扣除首月费用，支付成功后生成对应的计费记录
type ProvisionOrder struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	RequestID string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等键，业务方传入
	OwnerID   string     `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	ResourceID string    `gorm:"type:varchar(64);index;not null" json:"resource_id"` // 面板侧资源ID
	Plan      string     `gorm:"type:varchar(64);not null" json:"plan"` // 套餐标识
	Amount    int64      `gorm:"not null" json:"amount"`                // 首月金额（最小货币单位）
	Status    string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpiredAt time.Time  `gorm:"not null" json:"expired_at"` // 超时未支付自动关闭
	PaidAt    *time.Time `json:"paid_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProvisionOrder) TableName() string {
	return "provision_order"
}
