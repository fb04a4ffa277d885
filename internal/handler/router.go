package handler

import (
	"hostbilling/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, limiter *ratelimit.Store) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	api.Use(RateLimitMiddleware(limiter))
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/recharge", h.Recharge)
			wallet.POST("/auto-topup", h.SetAutoTopup)
			wallet.GET("/ledger", h.ListLedger)
		}

		// 计费资源相关
		resource := api.Group("/resource")
		{
			resource.GET("/list", h.ListResources)
		}

		// 订单相关
		order := api.Group("/order")
		{
			order.POST("/create", h.CreateOrder)
			order.POST("/pay", h.PayOrder)
			order.GET("/detail", h.GetOrder)
			order.GET("/list", h.ListOrders)
		}

		// 注销相关
		cancellation := api.Group("/cancellation")
		{
			cancellation.POST("/request", h.RequestCancellation)
			cancellation.POST("/revoke", h.RevokeCancellation)
			cancellation.GET("/list", h.ListCancellations)
		}
	}

	// 网关回调不走用户限流
	r.POST("/webhook/payment", h.PaymentWebhook)

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
