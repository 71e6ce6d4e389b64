// Package breaker 实现熔断器模式
//
// 三种状态：
//   - CLOSED：正常放行，统计失败情况，达到阈值转OPEN
//   - OPEN：快速失败，不调用下游，超时后转HALF_OPEN
//   - HALF_OPEN：放行少量探测请求，成功转CLOSED，失败转回OPEN
//
// 用途：包装目录服务等外部查询，下游故障时快速降级，
// 防止台账写路径被外部依赖拖垮。
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String 状态转字符串（日志用）
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpenState 熔断器处于打开状态
var ErrOpenState = errors.New("circuit breaker is open")

// Counts 统计窗口内的调用数据
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRate 失败率
func (c *Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) reset() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态下允许的探测请求数（建议1-5）
	MaxRequests uint32

	// Interval 关闭状态下的统计窗口长度
	Interval time.Duration

	// Timeout 打开状态持续时间，超时后转半开
	Timeout time.Duration

	// ReadyToTrip 根据统计数据判断是否熔断
	// 为nil时默认连续5次失败熔断
	ReadyToTrip func(counts Counts) bool
}

// Breaker 熔断器
type Breaker struct {
	name        string
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	readyToTrip func(counts Counts) bool

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time

	onStateChange func(name string, from, to State)
}

// New 创建熔断器
func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:        name,
		maxRequests: cfg.MaxRequests,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		readyToTrip: cfg.ReadyToTrip,
		state:       StateClosed,
		expiry:      time.Now().Add(cfg.Interval),
	}
	if b.maxRequests == 0 {
		b.maxRequests = 1
	}
	if b.timeout == 0 {
		b.timeout = 60 * time.Second
	}
	if b.readyToTrip == nil {
		b.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	b.onStateChange = func(string, State, State) {}
	return b
}

// OnStateChange 设置状态变化回调（日志、告警、指标）
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	if fn != nil {
		b.onStateChange = fn
	}
}

// Execute 执行请求
//
// 熔断器打开时直接返回ErrOpenState，不调用req。
func (b *Breaker) Execute(req func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	err = req()
	b.afterRequest(generation, err == nil)
	return err
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.maxRequests {
		return generation, ErrOpenState
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		// 状态已切换，本次结果属于旧代，丢弃
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.maxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.readyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// 探测失败，回到打开状态
		b.setState(StateOpen, now)
	}
}

// currentState 计算当前状态（处理窗口过期与超时转换）
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if b.interval > 0 && !b.expiry.After(now) {
			// 统计窗口过期，重开一代
			b.newGeneration(now)
		}
	case StateOpen:
		if !b.expiry.After(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.onStateChange(b.name, prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.reset()

	switch b.state {
	case StateClosed:
		if b.interval > 0 {
			b.expiry = now.Add(b.interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.timeout)
	default:
		b.expiry = time.Time{}
	}
}
