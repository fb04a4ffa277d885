package job

import (
	"context"
	"errors"
	"log"
	"time"

	"hostbilling/internal/client"
	"hostbilling/internal/config"
	"hostbilling/internal/infrastructure/lock"
	"hostbilling/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// OrphanSweepJob 孤儿清理任务
//
// 用户在身份系统被删除后，计费侧和面板侧可能残留它的数据，
// 本任务双向对账：
//   方向一：遍历本地存活钱包，身份系统里已不存在的用户，级联清理其
//           支付网关客户、待支付订单、计费记录、面板账号，最后软删钱包
//   方向二：遍历面板侧用户，本地没有钱包、身份系统也查不到的孤儿账号，
//           直接删除面板账号
//
// 【安全边界】删除是不可逆的。身份系统查询出错时一律 fail-open：
// 本轮跳过该用户，宁可多留一轮垃圾，绝不误删活人
type OrphanSweepJob struct {
	walletRepo  repository.WalletRepository
	orderRepo   repository.OrderRepository
	billingRepo repository.BillingRepository
	identity    client.IdentityClient
	hypervisor  client.HypervisorClient
	gateway     client.PaymentGatewayClient
	redisClient *redis.Client
	cfg         config.BillingConfig
	stopCh      chan struct{}
	interval    time.Duration
	pageSize    int
}

func NewOrphanSweepJob(
	walletRepo repository.WalletRepository,
	orderRepo repository.OrderRepository,
	billingRepo repository.BillingRepository,
	identity client.IdentityClient,
	hypervisor client.HypervisorClient,
	gateway client.PaymentGatewayClient,
	redisClient *redis.Client,
	cfg config.BillingConfig,
) *OrphanSweepJob {
	return &OrphanSweepJob{
		walletRepo:  walletRepo,
		orderRepo:   orderRepo,
		billingRepo: billingRepo,
		identity:    identity,
		hypervisor:  hypervisor,
		gateway:     gateway,
		redisClient: redisClient,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    cfg.SweepInterval(),
		pageSize:    100,
	}
}

func (j *OrphanSweepJob) Start(ctx context.Context) {
	log.Println("[OrphanSweepJob] 孤儿清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OrphanSweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OrphanSweepJob] 任务停止")
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *OrphanSweepJob) Stop() {
	close(j.stopCh)
}

func (j *OrphanSweepJob) tick(ctx context.Context) {
	if j.redisClient != nil {
		// 全量对账耗时较长，锁的有效期放宽到整个间隔
		tickLock := lock.NewJobLock(j.redisClient, "orphan_sweep", uuid.NewString(), j.interval)
		ok, err := tickLock.TryLock(ctx)
		if err != nil {
			log.Printf("[OrphanSweepJob] 获取 tick 锁失败: %v", err)
			return
		}
		if !ok {
			return
		}
		defer tickLock.Unlock(ctx)
	}

	j.SweepWallets(ctx)
	j.SweepHypervisorUsers(ctx)
}

// SweepWallets 方向一：本地钱包 -> 身份系统
func (j *OrphanSweepJob) SweepWallets(ctx context.Context) {
	checked, cleaned, errored := 0, 0, 0
	offset := 0

	for {
		wallets, err := j.walletRepo.ListAlive(ctx, offset, j.pageSize)
		if err != nil {
			log.Printf("[OrphanSweepJob] 查询存活钱包失败: %v", err)
			return
		}
		if len(wallets) == 0 {
			break
		}

		for _, w := range wallets {
			checked++

			// 对身份系统限速，全量扫描不能把它打挂
			time.Sleep(j.cfg.SweepIdentityDelay())

			exists, err := j.identity.Exists(ctx, w.OwnerID)
			if err != nil {
				// fail-open：查不到结论就不动它
				errored++
				log.Printf("[OrphanSweepJob] 身份查询失败，跳过: ownerID=%s, err=%v", w.OwnerID, err)
				continue
			}
			if exists {
				continue
			}

			if j.cleanupOwner(ctx, w.OwnerID) {
				cleaned++
			} else {
				errored++
			}
		}

		// 本页有软删时 offset 翻页会漏掉被顶上来的行，留给下一轮全量扫描兜底
		offset += len(wallets)
	}

	log.Printf("[OrphanSweepJob] 钱包方向对账完成: 检查=%d, 清理=%d, 出错=%d", checked, cleaned, errored)
}

// cleanupOwner 级联清理已消失用户的所有数据
// 钱包软删放在最后一步：它是该用户进入清理流程的入口标记，
// 前面任何一步失败都保留钱包，下一轮会重新走完整个级联
func (j *OrphanSweepJob) cleanupOwner(ctx context.Context, ownerID string) bool {
	log.Printf("[OrphanSweepJob] 用户已在身份系统删除，开始级联清理: ownerID=%s", ownerID)

	if err := j.gateway.DeleteCustomer(ctx, ownerID); err != nil {
		log.Printf("[OrphanSweepJob] 删除网关客户失败: ownerID=%s, err=%v", ownerID, err)
		return false
	}

	closedOrders, err := j.orderRepo.CancelPendingByOwner(ctx, ownerID)
	if err != nil {
		log.Printf("[OrphanSweepJob] 取消待支付订单失败: ownerID=%s, err=%v", ownerID, err)
		return false
	}

	cancelledBillings, err := j.billingRepo.CancelByOwner(ctx, ownerID)
	if err != nil {
		log.Printf("[OrphanSweepJob] 注销计费记录失败: ownerID=%s, err=%v", ownerID, err)
		return false
	}

	// 面板账号删除会级联删掉其名下资源；"账号不存在"视为已删过
	if err := j.hypervisor.DeleteAccount(ctx, ownerID); err != nil && !errors.Is(err, client.ErrResourceGone) {
		log.Printf("[OrphanSweepJob] 删除面板账号失败: ownerID=%s, err=%v", ownerID, err)
		return false
	}

	if err := j.walletRepo.SoftDelete(ctx, ownerID); err != nil {
		log.Printf("[OrphanSweepJob] 软删钱包失败: ownerID=%s, err=%v", ownerID, err)
		return false
	}

	log.Printf("[OrphanSweepJob] 级联清理完成: ownerID=%s, 关闭订单=%d, 注销计费=%d",
		ownerID, closedOrders, cancelledBillings)
	return true
}

// SweepHypervisorUsers 方向二：面板用户 -> 本地钱包/身份系统
func (j *OrphanSweepJob) SweepHypervisorUsers(ctx context.Context) {
	checked, cleaned, errored := 0, 0, 0
	page := 1

	for {
		users, err := j.hypervisor.ListUsers(ctx, page, j.pageSize)
		if err != nil {
			log.Printf("[OrphanSweepJob] 查询面板用户失败: page=%d, err=%v", page, err)
			return
		}
		if len(users) == 0 {
			break
		}

		for _, u := range users {
			// 面板的 external_relation_id 可能挂任意外部系统，
			// 只处理本系统格式（UUID）的ID，其余不是我们的用户，不碰
			if _, err := uuid.Parse(u.ExternalRelationID); err != nil {
				continue
			}
			checked++

			// 本地有存活钱包说明是正常用户
			w, err := j.walletRepo.GetByOwnerID(ctx, u.ExternalRelationID)
			if err != nil && !errors.Is(err, repository.ErrWalletNotFound) {
				errored++
				continue
			}
			if w != nil && w.DeletedAt == nil {
				continue
			}

			time.Sleep(j.cfg.SweepIdentityDelay())

			exists, err := j.identity.Exists(ctx, u.ExternalRelationID)
			if err != nil {
				errored++
				log.Printf("[OrphanSweepJob] 身份查询失败，跳过面板用户: panelUserID=%s, err=%v", u.ID, err)
				continue
			}
			if exists {
				continue
			}

			if err := j.hypervisor.DeleteAccount(ctx, u.ID); err != nil && !errors.Is(err, client.ErrResourceGone) {
				errored++
				log.Printf("[OrphanSweepJob] 删除孤儿面板账号失败: panelUserID=%s, err=%v", u.ID, err)
				continue
			}
			cleaned++
			log.Printf("[OrphanSweepJob] 已删除孤儿面板账号: panelUserID=%s, ownerID=%s", u.ID, u.ExternalRelationID)
		}

		// 本页有删除时远端列表会前移，page 翻页可能漏掉被顶上来的账号，
		// 和钱包方向一样留给下一轮全量扫描兜底
		page++
	}

	log.Printf("[OrphanSweepJob] 面板方向对账完成: 检查=%d, 清理=%d, 出错=%d", checked, cleaned, errored)
}
