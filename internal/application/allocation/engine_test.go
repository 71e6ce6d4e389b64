package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// ==================== 测试替身 ====================

type recordKey struct {
	productID uint
	warehouse string
}

// fakeRecordRepo 内存台账仓储，可注入乐观锁冲突
type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[recordKey]*ledger.InventoryRecord

	// conflicts[key]次提交返回版本冲突（模拟读写间隙被并发写入者抢先）
	conflicts map[recordKey]int
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{
		records:   make(map[recordKey]*ledger.InventoryRecord),
		conflicts: make(map[recordKey]int),
	}
}

func (r *fakeRecordRepo) Get(ctx context.Context, productID uint, warehouse string) (*ledger.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordKey{productID, warehouse}]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRecordRepo) ListByProduct(ctx context.Context, productID uint) ([]*ledger.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.InventoryRecord
	for key, rec := range r.records {
		if key.productID == productID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) ListAll(ctx context.Context) ([]*ledger.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.InventoryRecord
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRecordRepo) Create(ctx context.Context, rec *ledger.InventoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey{rec.ProductID, rec.Warehouse}
	if _, ok := r.records[key]; ok {
		return errors.New("库存记录已存在")
	}
	cp := *rec
	r.records[key] = &cp
	return nil
}

func (r *fakeRecordRepo) UpdateWithVersion(ctx context.Context, rec *ledger.InventoryRecord, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey{rec.ProductID, rec.Warehouse}

	if n := r.conflicts[key]; n > 0 {
		r.conflicts[key] = n - 1
		// 模拟并发写入者：版本被别人推进了
		if current, ok := r.records[key]; ok {
			current.Version++
		}
		return ledger.ErrVersionConflict
	}

	current, ok := r.records[key]
	if !ok || current.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	cp := *rec
	cp.Version = expectedVersion + 1
	r.records[key] = &cp
	return nil
}

func (r *fakeRecordRepo) seed(productID uint, warehouse string, onHand, allocated, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[recordKey{productID, warehouse}] = &ledger.InventoryRecord{
		ProductID:         productID,
		Warehouse:         warehouse,
		QuantityOnHand:    onHand,
		QuantityAllocated: allocated,
		Version:           version,
	}
}

func (r *fakeRecordRepo) get(t *testing.T, productID uint, warehouse string) *ledger.InventoryRecord {
	t.Helper()
	rec, err := r.Get(context.Background(), productID, warehouse)
	require.NoError(t, err)
	return rec
}

// fakeMovementRepo 内存流水仓储
type fakeMovementRepo struct {
	mu        sync.Mutex
	movements []*ledger.StockMovement
}

func (r *fakeMovementRepo) Create(ctx context.Context, m *ledger.StockMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.movements = append(r.movements, &cp)
	return nil
}

func (r *fakeMovementRepo) List(ctx context.Context, filter ledger.MovementFilter, page, pageSize int) ([]*ledger.StockMovement, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.StockMovement
	for _, m := range r.movements {
		if filter.ProductID != 0 && m.ProductID != filter.ProductID {
			continue
		}
		if filter.Warehouse != "" && m.Warehouse != filter.Warehouse {
			continue
		}
		if filter.MovementType != "" && m.MovementType != filter.MovementType {
			continue
		}
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !m.CreatedAt.Before(filter.To) {
			continue
		}
		out = append(out, m)
	}
	return out, int64(len(out)), nil
}

func (r *fakeMovementRepo) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*ledger.StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.StockMovement
	for _, m := range r.movements {
		if m.ReferenceType == referenceType && m.ReferenceID == referenceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeMovementRepo) SumOnHandDeltas(ctx context.Context, productID uint, warehouse string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, m := range r.movements {
		if m.ProductID == productID && m.Warehouse == warehouse && m.MovementType.AffectsOnHand() {
			sum += m.Quantity
		}
	}
	return sum, nil
}

// byType 按类型过滤流水（断言辅助）
func (r *fakeMovementRepo) byType(mt ledger.MovementType) []*ledger.StockMovement {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.StockMovement
	for _, m := range r.movements {
		if m.MovementType == mt {
			out = append(out, m)
		}
	}
	return out
}

type passTx struct{}

func (passTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeCatalog 目录服务替身
type fakeCatalog struct {
	policies map[uint]*ReorderPolicy
	err      error
}

func (c *fakeCatalog) ReorderPolicy(ctx context.Context, productID uint) (*ReorderPolicy, error) {
	if c.err != nil {
		return nil, c.err
	}
	if policy, ok := c.policies[productID]; ok {
		return policy, nil
	}
	return &ReorderPolicy{}, nil
}

// fakeCache 缓存替身，记录全部写入
type fakeCache struct {
	mu           sync.Mutex
	available    map[recordKey]int
	invalidation []uint
}

func newFakeCache() *fakeCache {
	return &fakeCache{available: make(map[recordKey]int)}
}

func (c *fakeCache) SetAvailable(ctx context.Context, productID uint, warehouse string, available int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available[recordKey{productID, warehouse}] = available
	return nil
}

func (c *fakeCache) InvalidateProduct(ctx context.Context, productID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidation = append(c.invalidation, productID)
	return nil
}

// fakePublisher 收集发布的事件
type fakePublisher struct {
	mu     sync.Mutex
	events []*event.DomainEvent
}

func (p *fakePublisher) Publish(ctx context.Context, evt *event.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *fakePublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.EventType)
	}
	return out
}

func (p *fakePublisher) countOf(eventType event.Type) int {
	n := 0
	for _, et := range p.types() {
		if et == eventType {
			n++
		}
	}
	return n
}

// testEnv 一套装配好的引擎与全部替身
type testEnv struct {
	engine    *Engine
	records   *fakeRecordRepo
	movements *fakeMovementRepo
	catalog   *fakeCatalog
	cache     *fakeCache
	publisher *fakePublisher
}

func newTestEnv(opts ...Option) *testEnv {
	records := newFakeRecordRepo()
	movements := &fakeMovementRepo{}
	catalog := &fakeCatalog{policies: make(map[uint]*ReorderPolicy)}
	cache := newFakeCache()
	publisher := &fakePublisher{}

	svc := appledger.NewService(records, movements, passTx{})
	engine := NewEngine(svc, records, catalog, cache, publisher, opts...)

	return &testEnv{
		engine:    engine,
		records:   records,
		movements: movements,
		catalog:   catalog,
		cache:     cache,
		publisher: publisher,
	}
}

// ==================== 通用行为 ====================

// TestEngine_ConflictRetrySucceeds 测试版本冲突后重读重试成功
func TestEngine_ConflictRetrySucceeds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.records.seed(1, "WH-A", 100, 0, 0)
	// 前两次提交撞上并发写入者，第三次成功
	env.records.conflicts[recordKey{1, "WH-A"}] = 2

	rec, err := env.engine.Allocate(ctx, 1, "WH-A", 30, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 30, rec.QuantityAllocated)
}

// TestEngine_ConflictRetryExhausted 测试冲突重试耗尽返回瞬时错误
func TestEngine_ConflictRetryExhausted(t *testing.T) {
	env := newTestEnv(WithMaxConflictRetries(3))
	ctx := context.Background()

	env.records.seed(1, "WH-A", 100, 0, 0)
	env.records.conflicts[recordKey{1, "WH-A"}] = 10

	_, err := env.engine.Allocate(ctx, 1, "WH-A", 30, "ORD-1")
	assert.ErrorIs(t, err, ErrTooManyConflicts)
}

// TestEngine_BusinessErrorNotRetried 测试业务错误不触发重试
func TestEngine_BusinessErrorNotRetried(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.records.seed(1, "WH-A", 5, 0, 0)

	_, err := env.engine.Allocate(ctx, 1, "WH-A", 10, "ORD-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	// 业务性失败不留任何流水
	assert.Empty(t, env.movements.movements)
}

// TestEngine_LowStockUsesCatalogPolicy 测试低库存阈值来自目录服务
func TestEngine_LowStockUsesCatalogPolicy(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.records.seed(1, "WH-A", 50, 0, 0)
	env.catalog.policies[1] = &ReorderPolicy{SKU: "SKU-1", ReorderLevel: 25, ReorderQuantity: 100}

	// 分配后可用25，到达阈值
	_, err := env.engine.Allocate(ctx, 1, "WH-A", 25, "ORD-1")
	require.NoError(t, err)

	require.Equal(t, 1, env.publisher.countOf(event.TypeLowStock))

	var payload event.LowStockPayload
	for _, evt := range env.publisher.events {
		if evt.EventType == event.TypeLowStock {
			require.NoError(t, evt.DecodePayload(&payload))
		}
	}
	assert.Equal(t, 25, payload.Available)
	assert.Equal(t, 25, payload.ReorderLevel)
	assert.Equal(t, 100, payload.ReorderQuantity)
}

// TestEngine_LowStockFallsBackWhenCatalogDown 测试目录服务不可用时的兜底阈值
func TestEngine_LowStockFallsBackWhenCatalogDown(t *testing.T) {
	env := newTestEnv(WithDefaultReorderLevel(10))
	ctx := context.Background()

	env.records.seed(1, "WH-A", 12, 0, 0)
	env.catalog.err = errors.New("目录服务不可用")

	// 分配后可用4，低于兜底阈值10
	_, err := env.engine.Allocate(ctx, 1, "WH-A", 8, "ORD-1")
	require.NoError(t, err)

	assert.Equal(t, 1, env.publisher.countOf(event.TypeLowStock))
}

// TestEngine_CacheRefreshedAfterMutation 测试变更后缓存刷新
func TestEngine_CacheRefreshedAfterMutation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.records.seed(1, "WH-A", 100, 0, 0)

	_, err := env.engine.Allocate(ctx, 1, "WH-A", 30, "ORD-1")
	require.NoError(t, err)

	assert.Equal(t, 70, env.cache.available[recordKey{1, "WH-A"}])
	assert.Contains(t, env.cache.invalidation, uint(1))
}
