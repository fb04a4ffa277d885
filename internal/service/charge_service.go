package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"hostbilling/internal/client"
	"hostbilling/internal/config"
	"hostbilling/internal/model"
	"hostbilling/internal/repository"
	"hostbilling/pkg/idgen"

	"gorm.io/gorm"
)

// TxManager 事务入口，*gorm.DB 天然满足该接口
type TxManager interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// errChargeReplayed 事务内部信号：唯一索引兜底命中，用于回滚本次扣款
var errChargeReplayed = errors.New("本账期已存在扣费流水")

// 扣费结果
const (
	ChargeOutcomePaid         = "PAID"         // 本次成功扣费
	ChargeOutcomeReplayed     = "REPLAYED"     // 幂等重放：本账期已扣过，只推进账期
	ChargeOutcomeInsufficient = "INSUFFICIENT" // 余额不足，已标记欠费
)

// ChargeService 周期扣费服务
//
// 【核心保证】同一资源同一账期至多扣费一次：
// 幂等键由 (资源ID, 本期 next_charge_at) 确定性生成，
// "查幂等 -> 比余额 -> 扣款 -> 记流水 -> 推账期" 放在一个事务里，
// 且全程持有钱包行锁 —— tick 重复触发、进程中途崩溃重来，都不会重复扣
type ChargeService struct {
	txm         TxManager
	cfg         config.BillingConfig
	walletRepo  repository.WalletRepository
	ledgerRepo  repository.LedgerRepository
	billingRepo repository.BillingRepository
	outboxRepo  repository.OutboxRepository
	gateway     client.PaymentGatewayClient
	eventTopic  string
}

func NewChargeService(
	txm TxManager,
	cfg config.BillingConfig,
	walletRepo repository.WalletRepository,
	ledgerRepo repository.LedgerRepository,
	billingRepo repository.BillingRepository,
	outboxRepo repository.OutboxRepository,
	gateway client.PaymentGatewayClient,
	eventTopic string,
) *ChargeService {
	return &ChargeService{
		txm:         txm,
		cfg:         cfg,
		walletRepo:  walletRepo,
		ledgerRepo:  ledgerRepo,
		billingRepo: billingRepo,
		outboxRepo:  outboxRepo,
		gateway:     gateway,
		eventTopic:  eventTopic,
	}
}

// ChargeIdempotencyKey 账期幂等键
// 只由资源ID和本期扣费时间决定，同一账期反复尝试生成的键相同
func ChargeIdempotencyKey(resourceID string, nextChargeAt time.Time) string {
	return fmt.Sprintf("charge:%s:%s", resourceID, nextChargeAt.UTC().Format("20060102T150405Z"))
}

// AddMonth 按自然月推进账期
// 目标月没有对应日期时收敛到目标月最后一天：1月31日 + 1月 = 2月28/29日，而不是3月3日
func AddMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	lastDay := time.Date(year, month+2, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month+1, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// ChargeResource 对单台资源执行一次本账期扣费
// 余额不足且钱包开了自动充值时，先走网关充值再重试一次
func (s *ChargeService) ChargeResource(ctx context.Context, rb *model.ResourceBilling) (string, error) {
	// 首次资金交互时创建钱包
	wallet, err := s.walletRepo.GetOrCreate(ctx, rb.OwnerID)
	if err != nil {
		return "", fmt.Errorf("获取钱包失败: %w", err)
	}

	outcome, err := s.chargeOnce(ctx, rb)
	if err != nil {
		return "", err
	}

	if outcome == ChargeOutcomeInsufficient && s.tryAutoTopup(ctx, wallet, rb.MonthlyPrice) {
		outcome, err = s.chargeOnce(ctx, rb)
		if err != nil {
			return "", err
		}
	}

	if outcome == ChargeOutcomeInsufficient {
		if err := s.markUnpaid(ctx, rb); err != nil {
			return "", err
		}
	}

	return outcome, nil
}

// chargeOnce 单次扣费事务
// 外部网络调用一律不放在这个事务里
func (s *ChargeService) chargeOnce(ctx context.Context, rb *model.ResourceBilling) (string, error) {
	key := ChargeIdempotencyKey(rb.ResourceID, rb.NextChargeAt)
	nextChargeAt := AddMonth(rb.NextChargeAt)
	var outcome string

	err := s.txm.Transaction(func(tx *gorm.DB) error {
		// 先锁钱包行，"查幂等->比余额->扣款"全程持锁
		wallet, err := s.walletRepo.GetByOwnerIDForUpdate(ctx, tx, rb.OwnerID)
		if err != nil {
			return fmt.Errorf("锁定钱包失败: %w", err)
		}

		existing, err := s.ledgerRepo.GetByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return fmt.Errorf("查询幂等流水失败: %w", err)
		}
		if existing != nil {
			// 本账期已扣过（上个 tick 扣完后推账期前崩溃）：只推进账期
			if err := s.billingRepo.AdvancePeriod(ctx, tx, rb.ResourceID, nextChargeAt); err != nil {
				return fmt.Errorf("推进账期失败: %w", err)
			}
			outcome = ChargeOutcomeReplayed
			return nil
		}

		if wallet.Balance < rb.MonthlyPrice {
			outcome = ChargeOutcomeInsufficient
			return nil
		}

		if err := s.walletRepo.Debit(ctx, tx, rb.OwnerID, rb.MonthlyPrice); err != nil {
			return fmt.Errorf("扣款失败: %w", err)
		}

		entry := &model.LedgerEntry{
			EntryNo:        idgen.GenerateEntryNo(),
			OwnerID:        rb.OwnerID,
			Amount:         -rb.MonthlyPrice,
			Type:           model.LedgerTypeCharge,
			IdempotencyKey: &key,
			BalanceBefore:  wallet.Balance,
			BalanceAfter:   wallet.Balance - rb.MonthlyPrice,
			Metadata:       fmt.Sprintf("周期扣费-%s-%s", rb.ResourceID, rb.Plan),
		}
		inserted, err := s.ledgerRepo.Append(ctx, tx, entry)
		if err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		if !inserted {
			// 唯一索引兜底命中：另一个实例抢先扣了，回滚本次扣款
			return errChargeReplayed
		}

		now := time.Now()
		if err := s.billingRepo.AdvanceAfterCharge(ctx, tx, rb.ResourceID, now, nextChargeAt); err != nil {
			return fmt.Errorf("推进计费记录失败: %w", err)
		}

		if err := s.emitEvent(ctx, tx, rb.ResourceID, map[string]interface{}{
			"event":       "charge_succeeded",
			"owner_id":    rb.OwnerID,
			"resource_id": rb.ResourceID,
			"amount":      rb.MonthlyPrice,
			"period_key":  key,
			"charged_at":  now.Format(time.RFC3339),
		}); err != nil {
			return err
		}

		outcome = ChargeOutcomePaid
		return nil
	})

	if err != nil {
		if errors.Is(err, errChargeReplayed) {
			log.Printf("[ChargeService] 幂等兜底命中，按已扣费处理: resourceID=%s, key=%s", rb.ResourceID, key)
			return ChargeOutcomeReplayed, nil
		}
		return "", err
	}

	return outcome, nil
}

// markUnpaid 标记欠费并设置宽限期
// 已在欠费链路上的资源（含已停机）不重复标记，也不重复发事件
func (s *ChargeService) markUnpaid(ctx context.Context, rb *model.ResourceBilling) error {
	switch rb.Status {
	case model.BillingStatusUnpaid, model.BillingStatusOverdue, model.BillingStatusSuspended:
		return nil
	}
	suspendAt := time.Now().Add(s.cfg.GraceWindow())

	return s.txm.Transaction(func(tx *gorm.DB) error {
		if err := s.billingRepo.MarkUnpaid(ctx, tx, rb.ResourceID, suspendAt); err != nil {
			return fmt.Errorf("标记欠费失败: %w", err)
		}
		return s.emitEvent(ctx, tx, rb.ResourceID, map[string]interface{}{
			"event":       "resource_unpaid",
			"owner_id":    rb.OwnerID,
			"resource_id": rb.ResourceID,
			"suspend_at":  suspendAt.Format(time.RFC3339),
		})
	})
}

// tryAutoTopup 自动充值
// 网关调用在事务外；入账用网关事件ID做幂等，重复回调不会重复加钱
func (s *ChargeService) tryAutoTopup(ctx context.Context, wallet *model.Wallet, need int64) bool {
	if !wallet.AutoTopupEnable || wallet.PaymentMethodID == "" || s.gateway == nil {
		return false
	}

	// 只有余额跌破用户设定的阈值才触发，阈值之上的单次不足走欠费链路
	if wallet.Balance >= wallet.AutoTopupBelow {
		return false
	}

	amount := wallet.AutoTopupTarget - wallet.Balance
	if amount < need-wallet.Balance {
		amount = need - wallet.Balance
	}
	if amount <= 0 {
		return false
	}

	result, err := s.gateway.Charge(ctx, wallet.OwnerID, wallet.PaymentMethodID, amount, s.cfg.Currency)
	if err != nil {
		log.Printf("[ChargeService] 自动充值网关调用失败: ownerID=%s, err=%v", wallet.OwnerID, err)
		return false
	}
	if !result.Approved {
		log.Printf("[ChargeService] 自动充值被拒绝: ownerID=%s, reason=%s", wallet.OwnerID, result.DeclineReason)
		return false
	}

	err = s.txm.Transaction(func(tx *gorm.DB) error {
		entry := &model.LedgerEntry{
			EntryNo:         idgen.GenerateEntryNo(),
			OwnerID:         wallet.OwnerID,
			Amount:          amount,
			Type:            model.LedgerTypeTopup,
			ExternalEventID: &result.EventID,
			BalanceBefore:   wallet.Balance,
			BalanceAfter:    wallet.Balance + amount,
			Metadata:        "自动充值",
		}
		inserted, err := s.ledgerRepo.Append(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			// 该网关事件已入过账
			return nil
		}
		return s.walletRepo.Credit(ctx, tx, wallet.OwnerID, amount)
	})
	if err != nil {
		log.Printf("[ChargeService] 自动充值入账失败: ownerID=%s, err=%v", wallet.OwnerID, err)
		return false
	}

	wallet.Balance += amount
	log.Printf("[ChargeService] 自动充值成功: ownerID=%s, amount=%d", wallet.OwnerID, amount)
	return true
}

func (s *ChargeService) emitEvent(ctx context.Context, tx *gorm.DB, key string, payload map[string]interface{}) error {
	if s.outboxRepo == nil {
		return nil
	}
	raw, _ := json.Marshal(payload)
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      s.eventTopic,
		Payload:    string(raw),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return nil
}
