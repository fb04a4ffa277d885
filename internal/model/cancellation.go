package model

import (
	"time"
)

const (
	CancelModeGrace     = "GRACE"     // 宽限删除：延迟较长，到期前可撤销
	CancelModeImmediate = "IMMEDIATE" // 立即删除：短暂延迟后执行，不可撤销
)

const (
	CancelStatusPending   = "PENDING"   // 等待执行
	CancelStatusRevoked   = "REVOKED"   // 已撤销（终态）
	CancelStatusCompleted = "COMPLETED" // 已执行（终态）
	CancelStatusFailed    = "FAILED"    // 执行失败，等待人工处理（终态，不自动重试）
)

// CancellationRequest 注销申请表
// 每次删除意图一条记录，由注销调度任务按 ScheduledAt 执行
//
// 【重要】同一资源同一时刻最多存在一条 PENDING 申请
// —— 这是应用层约束，必须在创建时放在事务里校验，不依赖数据库约束
type CancellationRequest struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestNo    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_no"` // 申请单号（全局唯一）
	OwnerID      string     `gorm:"type:varchar(64);index;not null" json:"owner_id"`         // 用户ID
	ResourceID   string     `gorm:"type:varchar(64);index;not null" json:"resource_id"`      // 资源ID
	Mode         string     `gorm:"type:varchar(20);not null" json:"mode"`                   // 删除模式
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`           // 申请状态
	Reason       string     `gorm:"type:varchar(256)" json:"reason"`                         // 申请原因
	ErrorMessage string     `gorm:"type:varchar(512)" json:"error_message"`                  // 执行失败原因
	RequestedAt  time.Time  `gorm:"not null" json:"requested_at"`                            // 申请时间
	ScheduledAt  time.Time  `gorm:"not null;index" json:"scheduled_at"`                      // 计划删除时间
	RevokedAt    *time.Time `json:"revoked_at"`                                              // 撤销时间
	CompletedAt  *time.Time `json:"completed_at"`                                            // 完成时间
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CancellationRequest) TableName() string {
	return "cancellation_request"
}
