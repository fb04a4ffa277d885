package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hostbilling/internal/config"
	"hostbilling/internal/infrastructure/lock"
	"hostbilling/internal/model"
	"hostbilling/internal/repository"
	"hostbilling/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotResourceOwner      = errors.New("无权操作该资源")
	ErrImmediateNotRevocable = errors.New("立即删除模式的申请不可撤销")
	ErrCancelModeInvalid     = errors.New("删除模式不合法")
	ErrResourceAlreadyGone   = errors.New("资源已注销")
)

// CancellationService 注销申请服务
//
// 【约束】同一资源至多一条 PENDING 申请：
// 仓储层在事务里锁行校验，外面再套一次按资源维度的分布式锁，
// 两个入口（用户操作 / 停机升级任务）并发创建也只会成功一个
type CancellationService struct {
	txm         TxManager
	redisClient *redis.Client
	cfg         config.BillingConfig
	billingRepo repository.BillingRepository
	cancelRepo  repository.CancellationRepository
}

func NewCancellationService(
	txm TxManager,
	redisClient *redis.Client,
	cfg config.BillingConfig,
	billingRepo repository.BillingRepository,
	cancelRepo repository.CancellationRepository,
) *CancellationService {
	return &CancellationService{
		txm:         txm,
		redisClient: redisClient,
		cfg:         cfg,
		billingRepo: billingRepo,
		cancelRepo:  cancelRepo,
	}
}

// Request 创建注销申请
// GRACE 模式延迟较长、到期前可撤销；IMMEDIATE 模式短暂延迟后执行、不可撤销
func (s *CancellationService) Request(ctx context.Context, ownerID, resourceID, mode, reason string) (*model.CancellationRequest, error) {
	if mode != model.CancelModeGrace && mode != model.CancelModeImmediate {
		return nil, ErrCancelModeInvalid
	}

	rb, err := s.billingRepo.GetByResourceID(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rb.OwnerID != ownerID {
		return nil, ErrNotResourceOwner
	}
	if rb.Status == model.BillingStatusCancelled {
		return nil, ErrResourceAlreadyGone
	}

	if s.redisClient != nil {
		cancelLock := lock.NewCancelLock(s.redisClient, resourceID, uuid.NewString())
		if err := cancelLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer cancelLock.Unlock(ctx)
	}

	now := time.Now()
	req := &model.CancellationRequest{
		RequestNo:   idgen.GenerateCancelNo(),
		OwnerID:     rb.OwnerID,
		ResourceID:  resourceID,
		Mode:        mode,
		Reason:      reason,
		RequestedAt: now,
	}
	if mode == model.CancelModeImmediate {
		req.ScheduledAt = now.Add(s.cfg.ImmediateLead())
	} else {
		req.ScheduledAt = now.Add(s.cfg.GraceLead())
	}

	err = s.txm.Transaction(func(tx *gorm.DB) error {
		return s.cancelRepo.CreatePending(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}

	return req, nil
}

// Revoke 撤销申请
// 只有 GRACE 模式、未到计划时间、仍为 PENDING 的申请可撤销；
// IMMEDIATE 模式不可撤销 —— 立即删除的不可逆是刻意的策略
func (s *CancellationService) Revoke(ctx context.Context, ownerID, requestNo string) error {
	req, err := s.cancelRepo.GetByRequestNo(ctx, requestNo)
	if err != nil {
		return err
	}
	if ownerID != "" && req.OwnerID != ownerID {
		return ErrNotResourceOwner
	}
	if req.Mode == model.CancelModeImmediate {
		return ErrImmediateNotRevocable
	}

	return s.cancelRepo.MarkRevoked(ctx, requestNo, time.Now())
}

func (s *CancellationService) List(ctx context.Context, ownerID string, page, pageSize int) ([]*model.CancellationRequest, int64, error) {
	return s.cancelRepo.ListByOwner(ctx, ownerID, page, pageSize)
}
