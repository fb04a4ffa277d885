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
	ErrCancellationNotFound      = errors.New("注销申请不存在")
	ErrCancellationStatusInvalid = errors.New("注销申请状态不合法")
	ErrPendingCancellationExists = errors.New("该资源已存在待执行的注销申请")
)

// CancellationRepository 注销申请仓储接口
// "同一资源至多一条 PENDING" 的约束在 CreatePending 里事务性收口
type CancellationRepository interface {
	// CreatePending 创建待执行申请；同资源已有 PENDING 时返回 ErrPendingCancellationExists
	CreatePending(ctx context.Context, tx *gorm.DB, req *model.CancellationRequest) error
	HasPending(ctx context.Context, tx *gorm.DB, resourceID string) (bool, error)
	GetByRequestNo(ctx context.Context, requestNo string) (*model.CancellationRequest, error)
	// GetDueRequests 查询到期待执行的申请：status=PENDING 且 scheduled_at <= now
	GetDueRequests(ctx context.Context, now time.Time, limit int) ([]*model.CancellationRequest, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	// MarkRevoked 撤销：只允许 PENDING 且未到计划时间的申请
	MarkRevoked(ctx context.Context, requestNo string, deadline time.Time) error
	ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.CancellationRequest, int64, error)
}

type cancellationRepository struct {
	db *gorm.DB
}

func NewCancellationRepository(db *gorm.DB) CancellationRepository {
	return &cancellationRepository{db: db}
}

// CreatePending 创建注销申请
//
// 【关键点】先对该资源现有的 PENDING 行加行锁再检查，检查和插入在同一个事务里，
// 两个并发请求（或停机升级任务的重复 tick）不会同时通过"无 PENDING"校验
func (r *cancellationRepository) CreatePending(ctx context.Context, tx *gorm.DB, req *model.CancellationRequest) error {
	if tx == nil {
		tx = r.db
	}

	var count int64
	err := tx.WithContext(ctx).
		Model(&model.CancellationRequest{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("resource_id = ? AND status = ?", req.ResourceID, model.CancelStatusPending).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrPendingCancellationExists
	}

	req.Status = model.CancelStatusPending
	return tx.WithContext(ctx).Create(req).Error
}

func (r *cancellationRepository) HasPending(ctx context.Context, tx *gorm.DB, resourceID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.CancellationRequest{}).
		Where("resource_id = ? AND status = ?", resourceID, model.CancelStatusPending).
		Count(&count).Error
	return count > 0, err
}

func (r *cancellationRepository) GetByRequestNo(ctx context.Context, requestNo string) (*model.CancellationRequest, error) {
	var req model.CancellationRequest
	err := r.db.WithContext(ctx).Where("request_no = ?", requestNo).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCancellationNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *cancellationRepository) GetDueRequests(ctx context.Context, now time.Time, limit int) ([]*model.CancellationRequest, error) {
	var requests []*model.CancellationRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", model.CancelStatusPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&requests).Error
	return requests, err
}

func (r *cancellationRepository) MarkCompleted(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.CancellationRequest{}).
		Where("id = ? AND status = ?", id, model.CancelStatusPending).
		Updates(map[string]interface{}{
			"status":       model.CancelStatusCompleted,
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCancellationStatusInvalid
	}
	return nil
}

func (r *cancellationRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	result := r.db.WithContext(ctx).
		Model(&model.CancellationRequest{}).
		Where("id = ? AND status = ?", id, model.CancelStatusPending).
		Updates(map[string]interface{}{
			"status":        model.CancelStatusFailed,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCancellationStatusInvalid
	}
	return nil
}

func (r *cancellationRepository) MarkRevoked(ctx context.Context, requestNo string, deadline time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.CancellationRequest{}).
		Where("request_no = ? AND status = ? AND scheduled_at > ?",
			requestNo, model.CancelStatusPending, deadline).
		Updates(map[string]interface{}{
			"status":     model.CancelStatusRevoked,
			"revoked_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCancellationStatusInvalid
	}
	return nil
}

func (r *cancellationRepository) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.CancellationRequest, int64, error) {
	var requests []*model.CancellationRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CancellationRequest{}).Where("owner_id = ?", ownerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&requests).Error

	return requests, total, err
}
