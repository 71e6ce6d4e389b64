package integration

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiebiao/stockledger/internal/application/allocation"
	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/application/query"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	persistence "github.com/xiebiao/stockledger/internal/infrastructure/persistence/mysql"
)

// 教学说明：集成测试辅助工具
// 这些测试需要一个真实的MySQL实例，通过环境变量提供DSN：
//
//	STOCKLEDGER_TEST_DSN="root:root123@tcp(localhost:3306)/stockledger_test?charset=utf8mb4&parseTime=True&loc=Local"
//
// 未设置时整个包跳过，不影响常规单元测试运行。
// 每个测试用唯一的商品ID隔离数据，互不干扰，也无需清理历史数据。

// setupDB 连接测试数据库并迁移表结构，未配置DSN时跳过测试
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("STOCKLEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("未设置STOCKLEDGER_TEST_DSN，跳过集成测试")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "连接测试数据库失败")

	err = db.AutoMigrate(
		&ledger.InventoryRecord{},
		&ledger.StockMovement{},
		&event.RetryRecord{},
		&event.DeadLetterEntry{},
	)
	require.NoError(t, err, "迁移表结构失败")

	return db
}

// testStack 一套装配完成的被测组件
type testStack struct {
	db        *gorm.DB
	records   ledger.RecordRepository
	movements ledger.MovementRepository
	ledger    *appledger.Service
	engine    *allocation.Engine
	query     *query.Service
}

// newStack 装配真实MySQL之上的台账、分配引擎与查询服务
// （缓存、目录、事件发布均为空：集成测试只验证持久化链路）
func newStack(t *testing.T) *testStack {
	t.Helper()

	db := setupDB(t)
	records := persistence.NewRecordRepository(db)
	movements := persistence.NewMovementRepository(db)
	ledgerSvc := appledger.NewService(records, movements, persistence.NewTxManager(db))

	return &testStack{
		db:        db,
		records:   records,
		movements: movements,
		ledger:    ledgerSvc,
		engine:    allocation.NewEngine(ledgerSvc, records, nil, nil, nopPublisher{}),
		query:     query.NewService(records, movements, nil, nil),
	}
}

// nopPublisher 集成测试不关心事件投递
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, evt *event.DomainEvent) {}

var productSeq atomic.Uint64

// nextProductID 生成本次运行内唯一的商品ID
// 时间戳保证跨运行唯一，序号保证同运行内并发用例唯一
func nextProductID() uint {
	return uint(time.Now().Unix()%1_000_000)*1000 + uint(productSeq.Add(1))
}

// nextReference 生成唯一业务单据号
func nextReference(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), productSeq.Add(1))
}
