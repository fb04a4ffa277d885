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
	"hostbilling/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SuspensionJob 欠费升级任务
//
// 欠费资源的处置分三步走，间隔都来自配置：
//   UNPAID --宽限期到--> 停机(SUSPENDED) --继续欠费--> 自动创建立即注销申请
//
// 停机前和停机期间每轮都会再给一次扣费机会，补了钱就恢复（停机的自动开机）。
// 真正的删除动作不在这里做，统一交给注销调度任务执行
type SuspensionJob struct {
	chargeSvc   *service.ChargeService
	cancelSvc   *service.CancellationService
	billingRepo repository.BillingRepository
	hypervisor  client.HypervisorClient
	redisClient *redis.Client
	cfg         config.BillingConfig
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewSuspensionJob(
	chargeSvc *service.ChargeService,
	cancelSvc *service.CancellationService,
	billingRepo repository.BillingRepository,
	hypervisor client.HypervisorClient,
	redisClient *redis.Client,
	cfg config.BillingConfig,
) *SuspensionJob {
	return &SuspensionJob{
		chargeSvc:   chargeSvc,
		cancelSvc:   cancelSvc,
		billingRepo: billingRepo,
		hypervisor:  hypervisor,
		redisClient: redisClient,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    cfg.ChargeInterval(),
		batchSize:   50,
	}
}

func (j *SuspensionJob) Start(ctx context.Context) {
	log.Println("[SuspensionJob] 欠费升级任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SuspensionJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SuspensionJob] 任务停止")
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *SuspensionJob) Stop() {
	close(j.stopCh)
}

func (j *SuspensionJob) tick(ctx context.Context) {
	if j.redisClient != nil {
		tickLock := lock.NewJobLock(j.redisClient, "suspension", uuid.NewString(), j.interval)
		ok, err := tickLock.TryLock(ctx)
		if err != nil {
			log.Printf("[SuspensionJob] 获取 tick 锁失败: %v", err)
			return
		}
		if !ok {
			return
		}
		defer tickLock.Unlock(ctx)
	}

	j.SuspendOverdue(ctx)
	j.EscalateSuspended(ctx)
}

// SuspendOverdue 处理宽限期已到的欠费资源
func (j *SuspensionJob) SuspendOverdue(ctx context.Context) {
	resources, err := j.billingRepo.GetSuspendDue(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[SuspensionJob] 查询待停机资源失败: %v", err)
		return
	}

	for _, rb := range resources {
		j.suspendOne(ctx, rb)
	}
}

func (j *SuspensionJob) suspendOne(ctx context.Context, rb *model.ResourceBilling) {
	// 停机前最后一次扣费机会：这段时间补了钱就不停
	outcome, err := j.chargeSvc.ChargeResource(ctx, rb)
	if err != nil {
		log.Printf("[SuspensionJob] 停机前扣费异常: resourceID=%s, err=%v", rb.ResourceID, err)
	} else if outcome != service.ChargeOutcomeInsufficient {
		log.Printf("[SuspensionJob] 停机前扣费成功，资源恢复正常: resourceID=%s", rb.ResourceID)
		return
	}

	if rb.Status == model.BillingStatusUnpaid {
		if err := j.billingRepo.UpdateStatus(ctx, nil, rb.ResourceID,
			model.BillingStatusUnpaid, model.BillingStatusOverdue); err != nil {
			log.Printf("[SuspensionJob] 标记逾期失败: resourceID=%s, err=%v", rb.ResourceID, err)
			return
		}
		rb.Status = model.BillingStatusOverdue
	}

	// 先远端停机，成功后才落库 —— 宁可下轮重复调停机接口，也不能出现
	// "库里 SUSPENDED 但面板还在跑"的白嫖状态
	if err := j.hypervisor.Suspend(ctx, rb.ResourceID); err != nil {
		if errors.Is(err, client.ErrResourceGone) {
			log.Printf("[SuspensionJob] 远端资源已不存在，直接标记注销: resourceID=%s", rb.ResourceID)
			if err := j.billingRepo.MarkCancelled(ctx, nil, rb.ResourceID); err != nil {
				log.Printf("[SuspensionJob] 标记注销失败: resourceID=%s, err=%v", rb.ResourceID, err)
			}
			return
		}
		log.Printf("[SuspensionJob] 远端停机失败，下轮重试: resourceID=%s, err=%v", rb.ResourceID, err)
		return
	}

	if err := j.billingRepo.UpdateStatus(ctx, nil, rb.ResourceID,
		model.BillingStatusOverdue, model.BillingStatusSuspended); err != nil {
		log.Printf("[SuspensionJob] 标记停机失败: resourceID=%s, err=%v", rb.ResourceID, err)
		return
	}

	log.Printf("[SuspensionJob] 资源已停机: resourceID=%s, ownerID=%s", rb.ResourceID, rb.OwnerID)
}

// EscalateSuspended 处理已停机资源：补了钱就开机，欠太久就转注销
func (j *SuspensionJob) EscalateSuspended(ctx context.Context) {
	resources, err := j.billingRepo.GetSuspendedBefore(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[SuspensionJob] 查询已停机资源失败: %v", err)
		return
	}

	for _, rb := range resources {
		j.escalateOne(ctx, rb)
	}
}

func (j *SuspensionJob) escalateOne(ctx context.Context, rb *model.ResourceBilling) {
	outcome, err := j.chargeSvc.ChargeResource(ctx, rb)
	if err != nil {
		log.Printf("[SuspensionJob] 停机期间扣费异常: resourceID=%s, err=%v", rb.ResourceID, err)
		return
	}

	if outcome != service.ChargeOutcomeInsufficient {
		// 扣费成功后计费状态已回到 PAID，这里只负责把机器开回来
		if err := j.hypervisor.Unsuspend(ctx, rb.ResourceID); err != nil {
			log.Printf("[SuspensionJob] 远端开机失败，需要关注: resourceID=%s, err=%v", rb.ResourceID, err)
			return
		}
		log.Printf("[SuspensionJob] 资源补费恢复: resourceID=%s, ownerID=%s", rb.ResourceID, rb.OwnerID)
		return
	}

	// SuspendAt 是宽限期截止时间（即停机起点），注销截止在此基础上顺延
	if rb.SuspendAt == nil {
		return
	}
	cancelDeadline := rb.SuspendAt.Add(j.cfg.CancelAfter() - j.cfg.GraceWindow())
	if time.Now().Before(cancelDeadline) {
		return
	}

	_, err = j.cancelSvc.Request(ctx, "", rb.ResourceID, model.CancelModeImmediate, "长期欠费，系统自动注销")
	if err != nil {
		if errors.Is(err, repository.ErrPendingCancellationExists) {
			// 上一轮已创建过申请，但可能没来得及落终态，这里补齐
			j.markCancelledAfterRequest(ctx, rb)
			return
		}
		log.Printf("[SuspensionJob] 创建自动注销申请失败: resourceID=%s, err=%v", rb.ResourceID, err)
		return
	}

	// 申请一旦创建，计费立刻进入终态：注销等待期内这台资源不能再被
	// 扣费选中，也不能补费开机 —— 否则用户在等待期充值会先被扣走一个月，
	// 几分钟后机器照样被删
	j.markCancelledAfterRequest(ctx, rb)

	log.Printf("[SuspensionJob] 长期欠费，已创建立即注销申请: resourceID=%s, ownerID=%s", rb.ResourceID, rb.OwnerID)
}

func (j *SuspensionJob) markCancelledAfterRequest(ctx context.Context, rb *model.ResourceBilling) {
	if rb.Status == model.BillingStatusCancelled {
		return
	}
	if err := j.billingRepo.MarkCancelled(ctx, nil, rb.ResourceID); err != nil {
		log.Printf("[SuspensionJob] 标记计费注销失败: resourceID=%s, err=%v", rb.ResourceID, err)
		return
	}
	rb.Status = model.BillingStatusCancelled
}
