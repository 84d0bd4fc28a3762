package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/fleetgazer/internal/api/handlers"
	"github.com/langchou/fleetgazer/internal/api/ors"
	"github.com/langchou/fleetgazer/internal/api/tms"
	"github.com/langchou/fleetgazer/internal/colmap"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/eta"
	"github.com/langchou/fleetgazer/internal/reconcile"
	"github.com/langchou/fleetgazer/internal/scheduler"
	"github.com/langchou/fleetgazer/internal/service"
	"github.com/langchou/fleetgazer/internal/session"
	"github.com/langchou/fleetgazer/internal/sheets"
	"github.com/langchou/fleetgazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Fleetgazer", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Google Sheets
	store, err := sheets.New(ctx, cfg.SheetsCredentialsFile, cfg.SpreadsheetID, sheets.Options{
		MaxRequestsPerMinute: cfg.SheetsMaxRequestsPerMinute,
		BackoffBase:          cfg.SheetsBackoffBase,
		BackoffMax:           cfg.SheetsBackoffMax,
		MaxRetries:           cfg.SheetsMaxRetries,
		CacheTTL:             cfg.SheetsCacheTTL,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create sheets client", zap.Error(err))
	}

	// 资产表列映射（可选，缺省时按表头扫描）
	columns, err := colmap.ParseSpec(cfg.AssetsColumnSpec)
	if err != nil {
		logger.Fatal("Invalid assets column map", zap.Error(err))
	}

	tables := []reconcile.Table{
		{
			Name:    cfg.AssetsSheet,
			Columns: columns,
			MaxRows: cfg.AssetsMaxRows,
		},
	}

	// 创建 TMS 遥测客户端
	tmsClient := tms.NewClient(cfg.TMSAPIURL, cfg.TMSAPIKey, tms.Options{
		RequestDelay:    cfg.TMSRequestDelay,
		MaxRetries:      cfg.TMSMaxRetries,
		RetryDelay:      cfg.TMSRetryDelay,
		SourceAllowList: cfg.TMSSourceAllowList,
		MaxLocationAge:  cfg.MaxLocationAge,
	}, logger)

	// 创建路线客户端和 ETA 评估器
	orsClient := ors.NewClient(cfg.ORSAPIKey, logger)
	if !orsClient.IsConfigured() {
		logger.Warn("ORS API key not set, live session ETA evaluation will fail")
	}
	evaluator := eta.NewEvaluator(orsClient, cfg.ETAGracePeriod, logger)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 会话状态变化通知走 WebSocket 广播
	sessions := session.NewManager(
		cfg.MaxLiveSessions,
		cfg.SessionTimeout,
		cfg.NotificationCooldown,
		func(n session.Notification) {
			wsHub.BroadcastMessage(ws.MsgTypeNotification, n)
		},
		logger,
	)

	// 创建对账引擎和跟踪服务
	engine := reconcile.NewEngine(store, logger)
	tracker := service.NewTrackerService(cfg, logger, tmsClient, store, engine, evaluator, sessions, wsHub, tables)

	// 新连接的客户端先收到一份活跃会话快照
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{Sessions: sessions.Snapshots()}
	})

	// 注册周期任务
	sched := scheduler.New(cfg.MaxConcurrentWorkers, logger)
	sched.Add(scheduler.Task{
		Name:          "risk_sync",
		Interval:      cfg.RiskSyncInterval,
		InitialJitter: cfg.SchedulerJitterMax,
		Priority:      scheduler.PriorityHigh,
		Run:           tracker.RiskSync,
	})
	sched.Add(scheduler.Task{
		Name:          "group_broadcast",
		Interval:      cfg.GroupBroadcastInterval,
		InitialJitter: cfg.SchedulerJitterMax,
		Priority:      scheduler.PriorityLow,
		Run:           tracker.BroadcastGroups,
	})
	sched.Add(scheduler.Task{
		Name:          "live_refresh",
		Interval:      cfg.LiveRefreshInterval,
		InitialJitter: cfg.SchedulerJitterMax,
		Priority:      scheduler.PriorityHigh,
		Run:           tracker.RefreshLiveSessions,
	})
	sched.Add(scheduler.Task{
		Name:     "housekeeping",
		Interval: cfg.HousekeepingInterval,
		Priority: scheduler.PriorityLow,
		Run: func(ctx context.Context) error {
			if err := tracker.Housekeeping(ctx); err != nil {
				return err
			}
			store.CleanupCache()
			return nil
		},
	})
	sched.Start(ctx)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, tracker, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止调度器，等在途周期跑完
	sched.Stop()

	// 停掉所有实时会话
	sessions.StopAll()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
