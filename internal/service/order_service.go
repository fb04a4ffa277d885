package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"hostbilling/internal/config"
	"hostbilling/internal/infrastructure/lock"
	"hostbilling/internal/model"
	"hostbilling/internal/repository"
	"hostbilling/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// OrderService 开通订单服务
// 下单 -> 钱包扣首月费用 -> 生成计费记录；余额不足时订单保留为 CREATED，
// 用户充值后可重新发起支付，超时未付由后台任务关闭
type OrderService struct {
	txm         TxManager
	redisClient *redis.Client
	cfg         config.BillingConfig
	orderRepo   repository.OrderRepository
	walletRepo  repository.WalletRepository
	ledgerRepo  repository.LedgerRepository
	billingRepo repository.BillingRepository
	outboxRepo  repository.OutboxRepository
	eventTopic  string
}

func NewOrderService(
	txm TxManager,
	redisClient *redis.Client,
	cfg config.BillingConfig,
	orderRepo repository.OrderRepository,
	walletRepo repository.WalletRepository,
	ledgerRepo repository.LedgerRepository,
	billingRepo repository.BillingRepository,
	outboxRepo repository.OutboxRepository,
	eventTopic string,
) *OrderService {
	return &OrderService{
		txm:         txm,
		redisClient: redisClient,
		cfg:         cfg,
		orderRepo:   orderRepo,
		walletRepo:  walletRepo,
		ledgerRepo:  ledgerRepo,
		billingRepo: billingRepo,
		outboxRepo:  outboxRepo,
		eventTopic:  eventTopic,
	}
}

type CreateOrderRequest struct {
	RequestID  string `json:"request_id" binding:"required"`
	OwnerID    string `json:"owner_id" binding:"required"`
	Plan       string `json:"plan" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	ResourceID string `json:"resource_id" binding:"required"` // 面板侧已开通的资源ID
}

type OrderResponse struct {
	OrderNo    string `json:"order_no"`
	ResourceID string `json:"resource_id,omitempty"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Message    string `json:"message,omitempty"`
}

// CreateAndPay 下单并尝试支付
// RequestID 幂等：重复提交返回已有订单，不重复扣款；
// 余额不足时订单保留为 CREATED，返回提示而不是报错
func (s *OrderService) CreateAndPay(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	existingOrder, err := s.orderRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if existingOrder != nil {
		return &OrderResponse{
			OrderNo:    existingOrder.OrderNo,
			ResourceID: existingOrder.ResourceID,
			Status:     existingOrder.Status,
			Amount:     existingOrder.Amount,
			Message:    "订单已存在",
		}, nil
	}

	now := time.Now()
	order := &model.ProvisionOrder{
		OrderNo:    idgen.GenerateOrderNo(),
		RequestID:  req.RequestID,
		OwnerID:    req.OwnerID,
		ResourceID: req.ResourceID,
		Plan:       req.Plan,
		Amount:     req.Amount,
		Status:     model.OrderStatusCreated,
		ExpiredAt:  now.Add(time.Duration(s.cfg.OrderTimeoutMinutes) * time.Minute),
	}
	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	resp, err := s.Pay(ctx, order.OrderNo)
	if errors.Is(err, repository.ErrBalanceNotEnough) {
		return &OrderResponse{
			OrderNo:    order.OrderNo,
			ResourceID: order.ResourceID,
			Status:     model.OrderStatusCreated,
			Amount:     order.Amount,
			Message:    "余额不足，请充值后支付",
		}, nil
	}
	return resp, err
}

// Pay 支付订单
// 扣款、记流水、生成计费记录在一个事务里完成
func (s *OrderService) Pay(ctx context.Context, orderNo string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.Status == model.OrderStatusPaid {
		return &OrderResponse{
			OrderNo:    order.OrderNo,
			ResourceID: order.ResourceID,
			Status:     order.Status,
			Amount:     order.Amount,
			Message:    "订单已支付",
		}, nil
	}
	if order.Status != model.OrderStatusCreated {
		return nil, fmt.Errorf("订单状态不允许支付，当前状态: %s", order.Status)
	}

	// 按用户维度加锁，同一用户不能并发支付
	if s.redisClient != nil {
		payLock := lock.NewPayLock(s.redisClient, order.OwnerID, order.RequestID)
		if err := payLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer payLock.Unlock(ctx)
	}

	wallet, err := s.walletRepo.GetOrCreate(ctx, order.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("获取钱包失败: %w", err)
	}
	if wallet.Balance < order.Amount {
		return nil, repository.ErrBalanceNotEnough
	}

	now := time.Now()
	err = s.txm.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, model.OrderStatusCreated, model.OrderStatusPaying); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		locked, err := s.walletRepo.GetByOwnerIDForUpdate(ctx, tx, order.OwnerID)
		if err != nil {
			return fmt.Errorf("锁定钱包失败: %w", err)
		}
		if err := s.walletRepo.Debit(ctx, tx, order.OwnerID, order.Amount); err != nil {
			return err
		}

		key := "order:" + orderNo
		entry := &model.LedgerEntry{
			EntryNo:        idgen.GenerateEntryNo(),
			OwnerID:        order.OwnerID,
			Amount:         -order.Amount,
			Type:           model.LedgerTypeCharge,
			IdempotencyKey: &key,
			BalanceBefore:  locked.Balance,
			BalanceAfter:   locked.Balance - order.Amount,
			Metadata:       fmt.Sprintf("开通-%s-%s", order.Plan, order.ResourceID),
		}
		inserted, err := s.ledgerRepo.Append(ctx, tx, entry)
		if err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		if !inserted {
			return errors.New("订单已存在扣款流水")
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, model.OrderStatusPaying, model.OrderStatusPaid); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		// 首月已付：生成计费记录，下次扣费在一个自然月后
		rb := &model.ResourceBilling{
			OwnerID:      order.OwnerID,
			ResourceID:   order.ResourceID,
			Plan:         order.Plan,
			MonthlyPrice: order.Amount,
			Status:       model.BillingStatusPaid,
			AutoRenew:    true,
			LastBilledAt: &now,
			NextChargeAt: AddMonth(now),
		}
		if err := s.billingRepo.Create(ctx, tx, rb); err != nil {
			return fmt.Errorf("创建计费记录失败: %w", err)
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"event":       "order_paid",
			"order_no":    orderNo,
			"owner_id":    order.OwnerID,
			"resource_id": order.ResourceID,
			"plan":        order.Plan,
			"amount":      order.Amount,
			"paid_at":     now.Format(time.RFC3339),
		})
		outboxMsg := &model.OutboxMessage{
			MessageKey: orderNo,
			Topic:      s.eventTopic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入事件失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("订单支付成功: orderNo=%s, ownerID=%s, resourceID=%s, amount=%d",
		orderNo, order.OwnerID, order.ResourceID, order.Amount)

	return &OrderResponse{
		OrderNo:    orderNo,
		ResourceID: order.ResourceID,
		Status:     model.OrderStatusPaid,
		Amount:     order.Amount,
		Message:    "支付成功",
	}, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*model.ProvisionOrder, error) {
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

func (s *OrderService) ListOrders(ctx context.Context, ownerID string, page, pageSize int) ([]*model.ProvisionOrder, int64, error) {
	return s.orderRepo.ListByOwner(ctx, ownerID, page, pageSize)
}
