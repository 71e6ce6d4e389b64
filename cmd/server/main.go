package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiebiao/stockledger/internal/application/allocation"
	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/application/pubsub"
	"github.com/xiebiao/stockledger/internal/application/query"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/infrastructure/catalog"
	"github.com/xiebiao/stockledger/internal/infrastructure/config"
	"github.com/xiebiao/stockledger/internal/infrastructure/mq"
	"github.com/xiebiao/stockledger/internal/infrastructure/persistence/mysql"
	redisStore "github.com/xiebiao/stockledger/internal/infrastructure/persistence/redis"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// main 库存台账服务主程序
//
// 启动流程：
//  1. 配置、MySQL、Redis、RabbitMQ依次就绪
//  2. 仓储 → 应用服务 → 事件管线逐层装配
//  3. 注册事件处理器后冻结注册表，启动重试协调器
//  4. 暴露/metrics，等待退出信号后优雅关闭
func main() {
	// 步骤1：加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 步骤2：初始化指标
	metrics.InitMetrics()

	// 步骤3：初始化MySQL连接
	db, err := mysql.NewDB(cfg)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}

	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	log.Println("✅ 数据库连接成功")

	// 步骤4：初始化Redis连接（缓存可关闭，关闭时读路径直接回源MySQL）
	var stockCache *redisStore.StockCache
	if cfg.Inventory.EnableCache {
		redisClient, err := redisStore.NewClient(cfg.Redis)
		if err != nil {
			log.Fatalf("初始化Redis失败: %v", err)
		}
		defer redisClient.Close()

		stockCache = redisStore.NewStockCache(redisClient)
		log.Println("✅ Redis连接成功")
	} else {
		log.Println("⚠️ 库存缓存已禁用，查询直接回源MySQL")
	}

	// 步骤5：初始化RabbitMQ发布者
	mqPublisher, err := mq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatalf("初始化RabbitMQ失败: %v", err)
	}
	defer mqPublisher.Close()

	// 步骤6：创建仓储实例
	recordRepo := mysql.NewRecordRepository(db)
	movementRepo := mysql.NewMovementRepository(db)
	retryRepo := mysql.NewRetryRepository(db)
	deadLetterRepo := mysql.NewDeadLetterRepository(db)
	txManager := mysql.NewTxManager(db)

	// 步骤7：装配事件管线
	registry := pubsub.NewRegistry()
	deadLetters := pubsub.NewDeadLetterService(deadLetterRepo)
	coordinator := pubsub.NewCoordinator(retryRepo, deadLetters, registry, pubsub.CoordinatorConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		ScanInterval: cfg.Retry.ScanInterval,
		Workers:      cfg.Retry.Workers,
	})
	publisher := pubsub.NewPublisher(registry, coordinator)

	// 步骤8：注册事件处理器
	// 全部事件经桥接处理器广播到RabbitMQ，投递失败走重试协调器
	bridge := mq.NewBridge(mqPublisher)
	for _, eventType := range []event.Type{
		event.TypeStockUpdated,
		event.TypeLowStock,
		event.TypeInventoryAllocated,
		event.TypeInventoryReleased,
	} {
		if err := registry.Register(eventType, bridge); err != nil {
			log.Fatalf("注册事件处理器失败: %v", err)
		}
	}
	registry.Freeze()

	// 步骤9：创建应用服务
	ledgerService := appledger.NewService(recordRepo, movementRepo, txManager)
	catalogReader := catalog.NewReader(db)

	var engineCache allocation.StockCache
	var queryCache query.AvailabilityCache
	if stockCache != nil {
		engineCache = stockCache
		queryCache = stockCache
	}

	engine := allocation.NewEngine(
		ledgerService,
		recordRepo,
		catalogReader,
		engineCache,
		publisher,
		allocation.WithMaxConflictRetries(cfg.Inventory.MaxConflictRetries),
		allocation.WithDefaultReorderLevel(cfg.Inventory.DefaultReorderLevel),
	)
	queryService := query.NewService(recordRepo, movementRepo, catalogReader, queryCache)

	// 步骤10：启动重试协调器
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator.Start(ctx)
	log.Println("✅ 事件重试协调器已启动")

	// 步骤11：启动订单事件消费者
	listener := mq.NewOrderListener(engine, movementRepo)
	consumer, err := mq.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, "stockledger.orders", listener.RoutingKeys())
	if err != nil {
		log.Fatalf("初始化订单消费者失败: %v", err)
	}
	defer consumer.Close()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Consume(ctx, func(routingKey string, body []byte) error {
			return listener.Handle(ctx, routingKey, body)
		}); err != nil {
			log.Printf("❌ 订单消费者退出: %v", err)
		}
	}()

	// 步骤12：暴露Prometheus指标与运维接口
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/stock", func(w http.ResponseWriter, r *http.Request) {
		productID, err := strconv.ParseUint(r.URL.Query().Get("product_id"), 10, 64)
		if err != nil {
			http.Error(w, "product_id非法", http.StatusBadRequest)
			return
		}
		view, err := queryService.Consolidated(r.Context(), uint(productID))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, view)
	})
	mux.HandleFunc("/debug/retry/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := coordinator.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})
	mux.HandleFunc("/debug/deadletters/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := deadLetters.Statistics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Printf("🚀 stockledger 启动成功，指标端口: %d", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("指标服务启动失败: %v", err)
		}
	}()

	// 步骤13：优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("📴 收到关闭信号，开始优雅关闭...")

	// 先停消费与调度，再等在途任务结束，最后关HTTP
	cancel()
	<-consumerDone
	coordinator.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ 指标服务关闭超时: %v", err)
	}

	log.Println("✅ stockledger 已安全关闭")
}

// writeJSON 运维接口统一JSON输出
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ 响应序列化失败: %v", err)
	}
}
