package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/cardlev/cardlev-loan-engine/config"
	"github.com/cardlev/cardlev-loan-engine/internal/chain"
	"github.com/cardlev/cardlev-loan-engine/internal/dal"
	"github.com/cardlev/cardlev-loan-engine/internal/dao"
	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	"github.com/cardlev/cardlev-loan-engine/internal/nats"
	"github.com/cardlev/cardlev-loan-engine/internal/oracle"
	"github.com/cardlev/cardlev-loan-engine/internal/payment"
	"github.com/cardlev/cardlev-loan-engine/internal/position"
	"github.com/cardlev/cardlev-loan-engine/internal/preauth"
	"github.com/cardlev/cardlev-loan-engine/internal/processor"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
	"github.com/cardlev/cardlev-loan-engine/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().Msg("loan_engine service starting...")

	// 初始化指标
	monitor.InitMetrics()

	// 初始化数据库
	dal.InitMysqlDB(cfg.MySQL)

	// 自动迁移表结构
	dal.AutoMigrate()

	// 初始化 DAO
	dao.InitDAO(dal.MySQL())

	// 初始化 NATS
	publisher, err := nats.NewPublisher(cfg.NATS.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init nats publisher failed")
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化链上客户端
	evmClient, err := chain.DialEVMClient(cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial evm rpc failed")
	}
	vaultClient, err := chain.NewVaultClient(evmClient, cfg.Chain.VaultContract, cfg.Chain.OperatorKey, cfg.Chain.Confirmations, cfg.Chain.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("init vault client failed")
	}

	// 初始化价格预言机: Chainlink 聚合器兜底，流式价格优先
	aggregator, err := oracle.NewAggregatorClient(evmClient, cfg.Oracle.AggregatorAddr, cfg.Oracle.StaleAfter, cfg.Oracle.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("init aggregator client failed")
	}
	streamClient := oracle.NewStreamClient(cfg.Oracle.StreamURL, activeAssets(), cfg.Oracle.StaleAfter, aggregator)
	streamClient.Start(ctx)

	// 初始化支付处理器客户端
	paymentClient := payment.NewProcessorClient(cfg.Payment.Endpoint, cfg.Payment.APIKey, cfg.Payment.Currency, cfg.Payment.RequestTimeout)

	// 创建快照写入链路: 消息队列 → 批量写入器 → DAO
	batchWriter := processor.NewBatchWriter(nil)
	batchWriter.Start()
	queue := processor.NewMessageQueue(1000, processor.NewSnapshotProcessor(batchWriter))
	queue.Start()

	// 初始化仓位监控
	posMonitor := position.NewMonitor(vaultClient, streamClient, queue)

	// 初始化预授权编排器
	orch := preauth.NewOrchestrator(dao.Loan(), paymentClient, publisher, cfg.Payment.MaxRetry, cfg.Payment.RetryDelay)

	// 平仓确认后释放预授权
	posMonitor.OnClosed(orch.HandleClosed)

	// 启动刷新/倒计时循环
	loop := position.NewLoop(posMonitor, cfg.Engine.RefreshInterval, cfg.Engine.TickInterval)
	loop.Start(ctx)

	// 启动监控钱包加载器
	loader := position.NewLoader(dao.Loan(), posMonitor, cfg.Engine.RefreshInterval)
	loader.Start()

	// 启动后台对账器
	reconciler, err := preauth.NewReconciler(orch, dao.Loan(), dao.Snapshot(), cfg.Engine.ExpiryScanInterval, cfg.Engine.SnapshotRetention, 5)
	if err != nil {
		logger.Fatal().Err(err).Msg("init reconciler failed")
	}
	reconciler.Start(ctx)

	// 初始化健康检查服务器
	healthServer := monitor.NewHealthServer(cfg.Engine.HealthServerAddr, posMonitor, streamClient, publisher)
	if err = healthServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}
	defer healthServer.Stop(context.Background())

	logger.Info().
		Str("rpc_url", cfg.Chain.RPCURL).
		Str("health_addr", cfg.Engine.HealthServerAddr).
		Msg("loan_engine service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		// 停止周期任务
		loader.Stop()
		loop.Stop()
		reconciler.Stop()

		// 停止接收新信号
		cancel()

		// 关闭价格流
		streamClient.Close()

		// 关闭健康检查服务器
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Stop(shutdownCtx)

		// 关闭配置重载
		config.Stop()

		// 排空快照写入链路
		queue.Stop()
		batchWriter.Stop()

		// 关闭数据库
		dal.CloseMySQL()

		logger.Info().Msg("loan_engine service stopped")
	})

	<-ctx.Done()
}

// activeAssets 从活跃贷款收集需要订阅的资产
func activeAssets() []string {
	loans, err := dao.Loan().ListActive()
	if err != nil {
		logger.Warn().Err(err).Msg("list active loans for asset subscription failed")
		return nil
	}

	seen := make(map[string]struct{}, len(loans))
	assets := make([]string, 0, len(loans))
	for _, loan := range loans {
		if _, ok := seen[loan.Asset]; ok {
			continue
		}
		seen[loan.Asset] = struct{}{}
		assets = append(assets, loan.Asset)
	}
	return assets
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}
