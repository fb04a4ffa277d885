package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	LedgerTypeCharge = "CHARGE" // 周期扣费（出账）
	LedgerTypeCredit = "CREDIT" // 充值（入账）
	LedgerTypeRefund = "REFUND" // 退款（入账）
	LedgerTypeAdjust = "ADJUST" // 管理员调账（可正可负）
	LedgerTypeTopup  = "TOPUP"  // 自动充值（入账）
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// LedgerEntry 钱包流水表
// 记录钱包的每一笔资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 幂等键（IdempotencyKey）和外部事件ID（ExternalEventID）全局唯一
//    —— 带相同键的第二次写入是空操作（不报错、不重复入账）
// 3. 记录交易前后余额 —— 便于校验余额一致性
type LedgerEntry struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo         string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`        // 流水号（全局唯一）
	OwnerID         string    `gorm:"type:varchar(64);index;not null" json:"owner_id"`              // 用户ID
	Amount          int64     `gorm:"not null" json:"amount"`                                       // 金额（正数入账，负数出账）
	Type            string    `gorm:"type:varchar(20);not null" json:"type"`                        // 流水类型
	ExternalEventID *string   `gorm:"type:varchar(128);uniqueIndex" json:"external_event_id"`       // 外部事件ID（网关回调等，可为空）
	IdempotencyKey  *string   `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key"`         // 幂等键（可为空）
	BalanceBefore   int64     `gorm:"not null" json:"balance_before"`                               // 交易前余额
	BalanceAfter    int64     `gorm:"not null" json:"balance_after"`                                // 交易后余额
	Metadata        string    `gorm:"type:varchar(512)" json:"metadata"`                            // 备注/附加信息
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
