package handler

import (
	"errors"
	"strconv"

	"hostbilling/internal/model"
	"hostbilling/internal/repository"
	"hostbilling/internal/service"
	"hostbilling/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService *service.WalletService
	orderService  *service.OrderService
	cancelService *service.CancellationService
	billingRepo   repository.BillingRepository
}

// NewHandler 创建处理器实例
func NewHandler(
	walletService *service.WalletService,
	orderService *service.OrderService,
	cancelService *service.CancellationService,
	billingRepo repository.BillingRepository,
) *Handler {
	return &Handler{
		walletService: walletService,
		orderService:  orderService,
		cancelService: cancelService,
		billingRepo:   billingRepo,
	}
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询钱包余额
// GET /api/v1/wallet/balance?owner_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id 参数不能为空")
		return
	}

	wallet, err := h.walletService.GetWallet(c.Request.Context(), ownerID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"owner_id":          wallet.OwnerID,
		"balance":           wallet.Balance,
		"auto_topup_enable": wallet.AutoTopupEnable,
	})
}

// RechargeRequest 充值请求
type RechargeRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Amount  int64  `json:"amount" binding:"required,gt=0"`
}

// Recharge 充值接口（简化版，生产路径走支付网关回调）
// POST /api/v1/wallet/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.walletService.Credit(c.Request.Context(), req.OwnerID, req.Amount,
		model.LedgerTypeTopup, "", "手动充值")
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "充值成功",
	})
}

// AutoTopupRequest 自动充值配置
type AutoTopupRequest struct {
	OwnerID         string `json:"owner_id" binding:"required"`
	Enable          bool   `json:"enable"`
	Below           int64  `json:"below"`
	Target          int64  `json:"target"`
	PaymentMethodID string `json:"payment_method_id"`
}

// SetAutoTopup 配置自动充值
// POST /api/v1/wallet/auto-topup
func (h *Handler) SetAutoTopup(c *gin.Context) {
	var req AutoTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.walletService.SetAutoTopup(c.Request.Context(), req.OwnerID,
		req.Enable, req.Below, req.Target, req.PaymentMethodID)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "自动充值配置已更新",
	})
}

// ListLedger 查询账本流水
// GET /api/v1/wallet/ledger?owner_id=xxx&page=1&page_size=10
func (h *Handler) ListLedger(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	entries, total, err := h.walletService.ListLedger(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 资源与订单相关接口
// ============================================================

// ListResources 查询用户名下计费资源
// GET /api/v1/resource/list?owner_id=xxx
func (h *Handler) ListResources(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id 参数不能为空")
		return
	}

	resources, err := h.billingRepo.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  resources,
		"total": len(resources),
	})
}

// CreateOrder 下单并尝试支付
// POST /api/v1/order/create
func (h *Handler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.orderService.CreateAndPay(c.Request.Context(), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// PayOrder 支付已有订单
// POST /api/v1/order/pay
func (h *Handler) PayOrder(c *gin.Context) {
	var req struct {
		OrderNo string `json:"order_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.orderService.Pay(c.Request.Context(), req.OrderNo)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			response.BusinessError(c, response.CodeOrderNotFound, err.Error())
		case errors.Is(err, repository.ErrOrderStatusInvalid):
			response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
		case errors.Is(err, repository.ErrBalanceNotEnough):
			response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// GetOrder 查询订单详情
// GET /api/v1/order/detail?order_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			response.BusinessError(c, response.CodeOrderNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, order)
}

// ListOrders 查询用户订单列表
// GET /api/v1/order/list?owner_id=xxx&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 注销相关接口
// ============================================================

// CancellationRequestBody 注销申请
type CancellationRequestBody struct {
	OwnerID    string `json:"owner_id" binding:"required"`
	ResourceID string `json:"resource_id" binding:"required"`
	Mode       string `json:"mode" binding:"required"` // GRACE / IMMEDIATE
	Reason     string `json:"reason"`
}

// RequestCancellation 创建注销申请
// POST /api/v1/cancellation/request
func (h *Handler) RequestCancellation(c *gin.Context) {
	var req CancellationRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.cancelService.Request(c.Request.Context(),
		req.OwnerID, req.ResourceID, req.Mode, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCancelModeInvalid):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrNotResourceOwner):
			response.BusinessError(c, response.CodeNotResourceOwner, err.Error())
		case errors.Is(err, repository.ErrBillingNotFound):
			response.BusinessError(c, response.CodeResourceNotFound, err.Error())
		case errors.Is(err, repository.ErrPendingCancellationExists):
			response.BusinessError(c, response.CodeCancelAlreadyPending, err.Error())
		case errors.Is(err, service.ErrResourceAlreadyGone):
			response.BusinessError(c, response.CodeResourceNotFound, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"request_no":   result.RequestNo,
		"mode":         result.Mode,
		"scheduled_at": result.ScheduledAt,
	})
}

// RevokeCancellation 撤销注销申请
// POST /api/v1/cancellation/revoke
func (h *Handler) RevokeCancellation(c *gin.Context) {
	var req struct {
		OwnerID   string `json:"owner_id" binding:"required"`
		RequestNo string `json:"request_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.cancelService.Revoke(c.Request.Context(), req.OwnerID, req.RequestNo)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrImmediateNotRevocable):
			response.BusinessError(c, response.CodeCancelNotAllowed, err.Error())
		case errors.Is(err, service.ErrNotResourceOwner):
			response.BusinessError(c, response.CodeNotResourceOwner, err.Error())
		case errors.Is(err, repository.ErrCancellationNotFound):
			response.BusinessError(c, response.CodeNotFound, err.Error())
		case errors.Is(err, repository.ErrCancellationStatusInvalid):
			response.BusinessError(c, response.CodeCancelNotAllowed, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"message": "注销申请已撤销",
	})
}

// ListCancellations 查询注销申请列表
// GET /api/v1/cancellation/list?owner_id=xxx&page=1&page_size=10
func (h *Handler) ListCancellations(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	requests, total, err := h.cancelService.List(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      requests,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 支付网关回调
// ============================================================

// PaymentWebhookRequest 网关支付成功回调
type PaymentWebhookRequest struct {
	EventID    string `json:"event_id" binding:"required"`
	CustomerID string `json:"customer_id" binding:"required"` // 即 owner_id
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	Currency   string `json:"currency"`
}

// PaymentWebhook 支付成功回调入账
// POST /webhook/payment
// 按网关事件ID幂等，重复推送只入账一次
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.walletService.Credit(c.Request.Context(), req.CustomerID, req.Amount,
		model.LedgerTypeTopup, req.EventID, "网关充值")
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "已入账",
	})
}
