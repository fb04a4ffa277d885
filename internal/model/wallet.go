package model

import (
	"time"
)

// Wallet 用户钱包表
// 记录用户的预付费余额（最小货币单位，整数），是整个计费系统的核心数据
//
// 【重要】余额约束：
// 1. 余额永远等于该用户全部流水金额之和
// 2. 扣费不允许把余额扣成负数 —— 余额不足时直接拒绝，而不是扣到负数
// 3. 身份已注销的用户，钱包做软删除（DeletedAt），不做物理删除
type Wallet struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"owner_id"` // 用户ID（身份系统的主键）
	Balance         int64      `gorm:"not null;default:0" json:"balance"`                     // 可用余额（最小货币单位）
	PaymentMethodID string     `gorm:"type:varchar(64)" json:"payment_method_id"`             // 绑定的支付方式（网关侧ID，可为空）
	AutoTopupEnable bool       `gorm:"not null;default:false" json:"auto_topup_enable"`       // 自动充值开关
	AutoTopupBelow  int64      `gorm:"not null;default:0" json:"auto_topup_below"`            // 自动充值触发阈值
	AutoTopupTarget int64      `gorm:"not null;default:0" json:"auto_topup_target"`           // 自动充值目标余额
	Version         int        `gorm:"not null;default:0" json:"version"`                     // 乐观锁版本号
	DeletedAt       *time.Time `gorm:"index" json:"deleted_at"`                               // 软删除时间（身份注销后设置）
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
