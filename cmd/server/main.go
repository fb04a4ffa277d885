package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hostbilling/internal/client"
	"hostbilling/internal/config"
	"hostbilling/internal/handler"
	"hostbilling/internal/infrastructure/cache"
	"hostbilling/internal/infrastructure/database"
	"hostbilling/internal/infrastructure/mq"
	"hostbilling/internal/job"
	"hostbilling/internal/ratelimit"
	"hostbilling/internal/repository"
	"hostbilling/internal/service"
	"hostbilling/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 仓储层
	walletRepo := repository.NewWalletRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	billingRepo := repository.NewBillingRepository(db)
	cancelRepo := repository.NewCancellationRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	// 外部服务客户端
	hypervisor := client.NewHypervisorClient(
		cfg.External.Hypervisor.BaseURL, cfg.External.Hypervisor.APIKey, cfg.External.Hypervisor.Timeout())
	gateway := client.NewPaymentGatewayClient(
		cfg.External.Payment.BaseURL, cfg.External.Payment.APIKey, cfg.External.Payment.Timeout())
	identity := client.NewIdentityClient(
		cfg.External.Identity.BaseURL, cfg.External.Identity.APIKey, cfg.External.Identity.Timeout())

	eventTopic := cfg.Kafka.Topic.BillingEvents

	// 服务层
	walletSvc := service.NewWalletService(db, walletRepo, ledgerRepo)
	chargeSvc := service.NewChargeService(db, cfg.Billing,
		walletRepo, ledgerRepo, billingRepo, outboxRepo, gateway, eventTopic)
	cancelSvc := service.NewCancellationService(db, redisClient, cfg.Billing, billingRepo, cancelRepo)
	orderSvc := service.NewOrderService(db, redisClient, cfg.Billing,
		orderRepo, walletRepo, ledgerRepo, billingRepo, outboxRepo, eventTopic)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	billingCycleJob := job.NewBillingCycleJob(chargeSvc, billingRepo, redisClient, cfg.Billing)
	go billingCycleJob.Start(ctx)

	suspensionJob := job.NewSuspensionJob(chargeSvc, cancelSvc, billingRepo, hypervisor, redisClient, cfg.Billing)
	go suspensionJob.Start(ctx)

	cancellationJob := job.NewCancellationJob(cancelRepo, billingRepo, hypervisor, redisClient, cfg.Billing)
	go cancellationJob.Start(ctx)

	orphanSweepJob := job.NewOrphanSweepJob(walletRepo, orderRepo, billingRepo,
		identity, hypervisor, gateway, redisClient, cfg.Billing)
	go orphanSweepJob.Start(ctx)

	orderTimeoutJob := job.NewOrderTimeoutJob(orderRepo)
	go orderTimeoutJob.Start(ctx)

	outboxSender := job.NewOutboxSender(outboxRepo, cfg.Billing)
	go outboxSender.Start(ctx)

	// HTTP 限流状态
	limiter := ratelimit.NewStore(time.Minute, 120)
	defer limiter.Close()

	// 设置路由
	h := handler.NewHandler(walletSvc, orderSvc, cancelSvc, billingRepo)
	router := handler.SetupRouter(h, limiter)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
