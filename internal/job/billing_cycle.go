package job

import (
	"context"
	"log"
	"time"

	"hostbilling/internal/config"
	"hostbilling/internal/infrastructure/lock"
	"hostbilling/internal/repository"
	"hostbilling/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// BillingCycleJob 周期计费引擎
//
// 每个 tick 捞一批到期资源（next_charge_at <= now 且开了自动续费），
// 逐台调用扣费服务。幂等性由扣费服务的账期幂等键保证，
// tick 重复触发、多实例误部署都不会重复扣费
type BillingCycleJob struct {
	chargeSvc   *service.ChargeService
	billingRepo repository.BillingRepository
	redisClient *redis.Client
	cfg         config.BillingConfig
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewBillingCycleJob(
	chargeSvc *service.ChargeService,
	billingRepo repository.BillingRepository,
	redisClient *redis.Client,
	cfg config.BillingConfig,
) *BillingCycleJob {
	return &BillingCycleJob{
		chargeSvc:   chargeSvc,
		billingRepo: billingRepo,
		redisClient: redisClient,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    cfg.ChargeInterval(),
		batchSize:   100,
	}
}

func (j *BillingCycleJob) Start(ctx context.Context) {
	log.Println("[BillingCycleJob] 周期计费引擎启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[BillingCycleJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[BillingCycleJob] 任务停止")
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *BillingCycleJob) Stop() {
	close(j.stopCh)
}

func (j *BillingCycleJob) tick(ctx context.Context) {
	if j.redisClient != nil {
		tickLock := lock.NewJobLock(j.redisClient, "billing_cycle", uuid.NewString(), j.interval)
		ok, err := tickLock.TryLock(ctx)
		if err != nil {
			log.Printf("[BillingCycleJob] 获取 tick 锁失败: %v", err)
			return
		}
		if !ok {
			// 另一实例正在执行本轮
			return
		}
		defer tickLock.Unlock(ctx)
	}

	j.ChargeDueResources(ctx)
}

// ChargeDueResources 扫描并扣费所有到期资源
// 单台失败只记日志不中断，下个 tick 会重新捞到它
func (j *BillingCycleJob) ChargeDueResources(ctx context.Context) {
	resources, err := j.billingRepo.GetDueResources(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[BillingCycleJob] 查询到期资源失败: %v", err)
		return
	}

	if len(resources) == 0 {
		return
	}

	log.Printf("[BillingCycleJob] 发现 %d 台到期资源", len(resources))

	paid, unpaid := 0, 0
	for _, rb := range resources {
		outcome, err := j.chargeSvc.ChargeResource(ctx, rb)
		if err != nil {
			log.Printf("[BillingCycleJob] 扣费异常: resourceID=%s, err=%v", rb.ResourceID, err)
			continue
		}

		switch outcome {
		case service.ChargeOutcomePaid, service.ChargeOutcomeReplayed:
			paid++
		case service.ChargeOutcomeInsufficient:
			unpaid++
			log.Printf("[BillingCycleJob] 余额不足，已标记欠费: resourceID=%s, ownerID=%s, price=%d",
				rb.ResourceID, rb.OwnerID, rb.MonthlyPrice)
		}
	}

	log.Printf("[BillingCycleJob] 本轮完成: 成功=%d, 欠费=%d", paid, unpaid)
}
