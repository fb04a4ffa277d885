package job

import (
	"context"
	"errors"
	"log"
	"time"

	"hostbilling/internal/client"
	"hostbilling/internal/config"
	"hostbilling/internal/infrastructure/lock"
	"hostbilling/internal/model"
	"hostbilling/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// CancellationJob 注销调度任务
//
// 扫描到期的 PENDING 注销申请并执行真正的删除。
// 对删除接口的错误分两类处理：
//   瞬时错误（网络/5xx）：申请保持 PENDING，下轮重试
//   确定性错误（4xx）：标记 FAILED，等人工处理，不自动重试
// 远端返回"资源不存在"视为删除成功 —— 结果已达成，重复删幂等
type CancellationJob struct {
	cancelRepo  repository.CancellationRepository
	billingRepo repository.BillingRepository
	hypervisor  client.HypervisorClient
	redisClient *redis.Client
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewCancellationJob(
	cancelRepo repository.CancellationRepository,
	billingRepo repository.BillingRepository,
	hypervisor client.HypervisorClient,
	redisClient *redis.Client,
	cfg config.BillingConfig,
) *CancellationJob {
	return &CancellationJob{
		cancelRepo:  cancelRepo,
		billingRepo: billingRepo,
		hypervisor:  hypervisor,
		redisClient: redisClient,
		stopCh:      make(chan struct{}),
		interval:    cfg.CancelInterval(),
		batchSize:   50,
	}
}

func (j *CancellationJob) Start(ctx context.Context) {
	log.Println("[CancellationJob] 注销调度任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CancellationJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CancellationJob] 任务停止")
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *CancellationJob) Stop() {
	close(j.stopCh)
}

func (j *CancellationJob) tick(ctx context.Context) {
	if j.redisClient != nil {
		tickLock := lock.NewJobLock(j.redisClient, "cancellation", uuid.NewString(), j.interval)
		ok, err := tickLock.TryLock(ctx)
		if err != nil {
			log.Printf("[CancellationJob] 获取 tick 锁失败: %v", err)
			return
		}
		if !ok {
			return
		}
		defer tickLock.Unlock(ctx)
	}

	j.ExecuteDueRequests(ctx)
}

// ExecuteDueRequests 执行所有到期的注销申请
func (j *CancellationJob) ExecuteDueRequests(ctx context.Context) {
	requests, err := j.cancelRepo.GetDueRequests(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[CancellationJob] 查询到期申请失败: %v", err)
		return
	}

	if len(requests) == 0 {
		return
	}

	log.Printf("[CancellationJob] 发现 %d 个到期注销申请", len(requests))

	for _, req := range requests {
		j.executeOne(ctx, req)
	}
}

func (j *CancellationJob) executeOne(ctx context.Context, req *model.CancellationRequest) {
	err := j.hypervisor.Delete(ctx, req.ResourceID)

	if err != nil && !errors.Is(err, client.ErrResourceGone) {
		if client.IsTransient(err) {
			log.Printf("[CancellationJob] 删除资源瞬时失败，下轮重试: requestNo=%s, resourceID=%s, err=%v",
				req.RequestNo, req.ResourceID, err)
			return
		}
		log.Printf("[CancellationJob] 删除资源确定性失败，标记人工处理: requestNo=%s, resourceID=%s, err=%v",
			req.RequestNo, req.ResourceID, err)
		if markErr := j.cancelRepo.MarkFailed(ctx, req.ID, err.Error()); markErr != nil {
			log.Printf("[CancellationJob] 标记申请失败出错: requestNo=%s, err=%v", req.RequestNo, markErr)
		}
		return
	}

	// 先改计费状态再落申请终态：两步之间崩溃时申请仍是 PENDING，
	// 下轮重新执行，删除和 MarkCancelled 都幂等
	if err := j.billingRepo.MarkCancelled(ctx, nil, req.ResourceID); err != nil {
		log.Printf("[CancellationJob] 标记计费注销失败: resourceID=%s, err=%v", req.ResourceID, err)
		return
	}

	if err := j.cancelRepo.MarkCompleted(ctx, req.ID); err != nil {
		log.Printf("[CancellationJob] 标记申请完成失败: requestNo=%s, err=%v", req.RequestNo, err)
		return
	}

	log.Printf("[CancellationJob] 资源已注销: requestNo=%s, resourceID=%s, mode=%s",
		req.RequestNo, req.ResourceID, req.Mode)
}
