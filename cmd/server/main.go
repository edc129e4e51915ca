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

	"galapagos/config"
	"galapagos/internal/api"
	"galapagos/internal/events"
	"galapagos/internal/pricing"
	"galapagos/internal/repository"
	"galapagos/internal/reward"
	"galapagos/internal/scheduler"
	"galapagos/internal/service"
	"galapagos/pkg/async"
	"galapagos/pkg/database"
	"galapagos/pkg/email"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	// 初始化日志
	logger := logger.NewLoggerWithConfig(cfg.LogLevel, cfg.LogFile)
	defer logger.Close()

	rate, err := reward.ParseDecimal(cfg.Reward.Rate)
	if err != nil || rate.Sign() <= 0 {
		logger.Fatal("奖励比例配置错误", "rate", cfg.Reward.Rate, "error", err)
	}

	// 初始化数据库连接
	db, err := database.NewMySQLConnection(cfg.Database)
	if err != nil {
		logger.Fatal("无法链接到数据库", "error", err)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx, db, repository.MySQLSchema); err != nil {
		logger.Fatal("初始化数据表失败", "error", err)
	}
	cancelMigrate()

	// 初始化Redis连接
	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("无法链接到Redis", "error", err)
	}
	defer redisClient.Close()

	// 价格预言机
	source, err := newPriceSource(cfg.Price)
	if err != nil {
		logger.Fatal("价格源配置错误", "error", err)
	}
	oracleOpts := []pricing.Option{
		pricing.WithTTL(cfg.Price.FreshTTL, cfg.Price.StaleTTL),
		pricing.WithLogger(logger),
	}
	if cfg.Price.SharedCache {
		oracleOpts = append(oracleOpts, pricing.WithSharedCache(pricing.NewRedisQuoteCache(redisClient, source.Name(), cfg.Price.StaleTTL)))
	}
	oracle := pricing.NewClient(source, oracleOpts...)

	// 链上转账执行器
	executor, err := newExecutor(cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("初始化转账执行器失败", "error", err)
	}

	// 创建异步工作器，负责告警邮件
	worker := async.NewWorker(1000, logger)
	worker.Start(5)

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Fatal("初始化Kafka失败", "error", err)
		}
		publisher = kafkaPublisher
	}
	dispatcher := events.NewDispatcher(publisher, 4, 1000, logger)
	dispatcher.Start()

	// 初始化邮件告警
	emailService := email.NewService(email.Config{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		FromName: cfg.Email.FromName,
		To:       cfg.Email.AlertTo,
	}, logger)
	var alertSender service.AlertSender
	if emailService.Enabled() {
		alertSender = emailService
	} else {
		logger.Warn("未配置告警邮箱，告警只写入日志")
	}
	alerts := service.NewAlertNotifier(alertSender, worker, logger)

	// 初始化存储库和服务
	productRepo := repository.NewProductRepository(db)
	ticketRepo := repository.NewTicketRepository(db)

	ticketService := service.NewTicketService(productRepo, ticketRepo, oracle, dispatcher, service.TicketServiceConfig{
		BaseURL:  cfg.BaseURL,
		Rate:     rate,
		Decimals: cfg.Ledger.TokenDecimals,
	}, logger)
	redemptionService := service.NewRedemptionService(ticketRepo, oracle, executor, dispatcher, alerts, service.RedemptionConfig{
		Rate:            rate,
		Decimals:        cfg.Ledger.TokenDecimals,
		MaxAttempts:     cfg.Reward.MaxAttempts,
		TransferTimeout: cfg.Reward.Timeout,
	}, logger)
	reconcileService := service.NewReconcileService(ticketRepo, executor, dispatcher, alerts, service.ReconcileConfig{
		StaleAfter:  cfg.Reconcile.StaleAfter,
		AutoResolve: cfg.Reconcile.AutoResolve,
		BatchSize:   cfg.Reconcile.BatchSize,
		AlertEvery:  cfg.Reconcile.AlertEvery,
	}, logger)

	// 初始化对账调度器
	reconcileScheduler := scheduler.NewReconcileScheduler(reconcileService, cfg.Reconcile.Interval, logger)
	reconcileScheduler.Start()

	// 初始化API路由
	router := api.SetupRouter(cfg, logger, redisClient, api.Services{
		Tickets:    ticketService,
		Redemption: redemptionService,
		Reconcile:  reconcileService,
	})

	// 创建HTTP服务器
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: router,
	}

	// 启动服务器（非阻塞）
	go func() {
		logger.Info(fmt.Sprintf("服务器启动于端口: %d", cfg.APIPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("启动服务器失败", "error", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	// 兑换请求中的转账可能需要等待确认，给足时间
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Reward.Timeout+5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器被强制关闭", "error", err)
	}

	// 先停止对账，再等待事件和告警发送完毕
	reconcileScheduler.Stop()
	dispatcher.Stop()
	worker.Stop()
	if err := publisher.Close(); err != nil {
		logger.Error("关闭事件发布器失败", "error", err)
	}

	logger.Info("服务器已正常退出")
}

func newPriceSource(cfg config.PriceConfig) (pricing.Source, error) {
	switch cfg.Source {
	case "fixed":
		price, err := reward.ParseDecimal(cfg.FixedUSD)
		if err != nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("PRICE_FIXED_USD 必须为正数: %q", cfg.FixedUSD)
		}
		return pricing.NewFixedSource(price), nil
	case "coingecko":
		if cfg.TokenID == "" {
			return nil, fmt.Errorf("未配置 COINGECKO_TOKEN_ID")
		}
		client := &http.Client{Timeout: 10 * time.Second}
		return pricing.NewCoinGeckoSource(client, cfg.Endpoint, cfg.TokenID, cfg.Currency), nil
	default:
		return nil, fmt.Errorf("未知价格源: %s", cfg.Source)
	}
}

func newExecutor(cfg config.LedgerConfig, log *logger.Logger) (ledger.Executor, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("代币合约地址非法: %q", cfg.TokenAddress)
	}
	treasury, err := ledger.NewKeyTreasury(cfg.TreasuryKey)
	if err != nil {
		return nil, err
	}
	client, err := ledger.DialChain(cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	log.Info("转账执行器已就绪", "token", cfg.TokenAddress, "treasury", treasury.Address().Hex())
	return ledger.NewERC20Executor(client, treasury, ledger.ERC20Config{
		Token:           common.HexToAddress(cfg.TokenAddress),
		Confirmations:   cfg.Confirmations,
		PollInterval:    cfg.PollInterval,
		RejectContracts: cfg.RejectContracts,
	}, log), nil
}
