package repository

import (
	"context"
	"errors"

	"hostbilling/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository 流水仓储接口
// 流水只追加不修改；幂等键/外部事件ID 的唯一性在 Append 这一个入口收口
type LedgerRepository interface {
	// Append 追加一条流水；幂等键已存在时返回 inserted=false（空操作，不报错）
	Append(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) (inserted bool, err error)
	GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LedgerEntry, error)
	GetByExternalEventID(ctx context.Context, eventID string) (*model.LedgerEntry, error)
	ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.LedgerEntry, int64, error)
	CountByIdempotencyPrefix(ctx context.Context, prefix string) (int64, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// Append 写入流水
//
// 【关键点】依赖 idempotency_key / external_event_id 的唯一索引 + INSERT IGNORE：
// 带相同键的第二次插入影响行数为 0，调用方据此判断这是一次幂等重放，
// 不再重复应用余额变动
func (r *ledgerRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *ledgerRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.LedgerEntry
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepository) GetByExternalEventID(ctx context.Context, eventID string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("external_event_id = ?", eventID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepository) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("owner_id = ?", ownerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// CountByIdempotencyPrefix 按幂等键前缀统计（对账脚本用：一台资源一个计费周期一条）
func (r *ledgerRepository) CountByIdempotencyPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("idempotency_key LIKE ?", prefix+"%").
		Count(&count).Error
	return count, err
}
