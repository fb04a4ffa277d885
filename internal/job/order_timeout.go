package job

import (
	"context"
	"log"
	"time"

	"hostbilling/internal/model"
	"hostbilling/internal/repository"
)

// OrderTimeoutJob 开通订单超时关闭任务
// 创建后一直没支付的订单到期自动关闭，避免占着待支付状态
type OrderTimeoutJob struct {
	orderRepo repository.OrderRepository
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOrderTimeoutJob(orderRepo repository.OrderRepository) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		orderRepo: orderRepo,
		stopCh:    make(chan struct{}),
		interval:  10 * time.Second,
		batchSize: 100,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	log.Println("[OrderTimeoutJob] 订单超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OrderTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OrderTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.closeExpiredOrders(ctx)
		}
	}
}

func (j *OrderTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *OrderTimeoutJob) closeExpiredOrders(ctx context.Context) {
	orders, err := j.orderRepo.GetExpiredOrders(ctx, j.batchSize)
	if err != nil {
		log.Printf("[OrderTimeoutJob] 查询超时订单失败: %v", err)
		return
	}

	if len(orders) == 0 {
		return
	}

	closedCount := 0
	for _, order := range orders {
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusCreated, model.OrderStatusClosed)
		if err != nil {
			log.Printf("[OrderTimeoutJob] 关闭订单失败: orderNo=%s, err=%v", order.OrderNo, err)
			continue
		}
		closedCount++
		log.Printf("[OrderTimeoutJob] 订单已超时关闭: orderNo=%s, ownerID=%s, amount=%d",
			order.OrderNo, order.OwnerID, order.Amount)
	}

	log.Printf("[OrderTimeoutJob] 本次关闭 %d 个超时订单", closedCount)
}
