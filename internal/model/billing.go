package model

import (
	"time"
)

const (
	BillingStatusActive    = "ACTIVE"    // 已开通，尚未产生第一笔扣费
	BillingStatusPaid      = "PAID"      // 本期已付
	BillingStatusUnpaid    = "UNPAID"    // 扣费失败（余额不足），处于宽限期
	BillingStatusOverdue   = "OVERDUE"   // 宽限期已过，等待停机
	BillingStatusSuspended = "SUSPENDED" // 已停机
	BillingStatusCancelled = "CANCELLED" // 已注销（记录保留，用于审计）
)

// ValidBillingTransitions 计费状态机
// 状态只能由计费引擎和停机升级任务驱动，且不可逆向跳跃
var ValidBillingTransitions = map[string][]string{
	BillingStatusActive:    {BillingStatusPaid, BillingStatusUnpaid, BillingStatusCancelled},
	BillingStatusPaid:      {BillingStatusPaid, BillingStatusUnpaid, BillingStatusCancelled},
	BillingStatusUnpaid:    {BillingStatusPaid, BillingStatusOverdue, BillingStatusSuspended, BillingStatusCancelled},
	BillingStatusOverdue:   {BillingStatusPaid, BillingStatusSuspended, BillingStatusCancelled},
	BillingStatusSuspended: {BillingStatusPaid, BillingStatusCancelled},
}

func CanBillingTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidBillingTransitions[currentStatus]
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

// ResourceBilling 资源计费表
// 每台计费资源（虚拟服务器）一条记录，由周期计费引擎按 NextChargeAt 驱动扣费
//
// 【说明】OwnerID 与 Wallet 之间通过用户ID 松耦合，不建外键
// —— 计费与身份体系各自独立演进，是有意的设计
type ResourceBilling struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID      string     `gorm:"type:varchar(64);index;not null" json:"owner_id"`        // 用户ID
	ResourceID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"resource_id"` // 资源ID（虚拟机，控制面板侧）
	Plan         string     `gorm:"type:varchar(64);not null" json:"plan"`                  // 套餐标识
	MonthlyPrice int64      `gorm:"not null" json:"monthly_price"`                          // 月价（最小货币单位）
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`          // 计费状态
	AutoRenew    bool       `gorm:"not null;default:true" json:"auto_renew"`                // 自动续费开关
	LastBilledAt *time.Time `json:"last_billed_at"`                                         // 上次成功扣费时间
	NextChargeAt time.Time  `gorm:"not null;index" json:"next_charge_at"`                   // 下次扣费时间
	SuspendAt    *time.Time `gorm:"index" json:"suspend_at"`                                // 宽限期截止时间（欠费后设置）
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ResourceBilling) TableName() string {
	return "resource_billing"
}
