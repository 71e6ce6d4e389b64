// Package saga 提供带补偿的多步操作框架
//
// 核心思想：
//  1. 将跨记录的长操作拆成多个本地短步骤
//  2. 每个步骤配套一个补偿操作（逆操作）
//  3. 任一步骤失败时，按逆序补偿已完成的步骤
//
// 适用场景：跨仓库调拨（两次独立台账变更）、多仓分配计划执行等
// 无法放进单个数据库事务的多记录操作。
//
// 注意：补偿期间数据可能处于中间状态，补偿操作必须幂等。
package saga

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Step Saga中的一个步骤
type Step struct {
	Name       string                          // 步骤名称（日志用）
	Action     func(ctx context.Context) error // 正向操作
	Compensate func(ctx context.Context) error // 补偿操作（可为nil）
}

// Saga 一次带补偿的多步操作
type Saga struct {
	steps    []Step
	executed []Step
	timeout  time.Duration

	// onCompensateError 补偿失败回调（默认记日志）
	// 补偿失败意味着数据不一致，需要人工介入
	onCompensateError func(step string, err error)
}

// New 创建Saga
//
// timeout为整体超时时间，0表示不限制。
func New(timeout time.Duration) *Saga {
	return &Saga{
		timeout: timeout,
		onCompensateError: func(step string, err error) {
			log.Printf("⚠️ Saga补偿失败[%s]: %v（需人工介入）", step, err)
		},
	}
}

// OnCompensateError 设置补偿失败回调（告警、落库等）
func (s *Saga) OnCompensateError(fn func(step string, err error)) {
	if fn != nil {
		s.onCompensateError = fn
	}
}

// AddStep 添加步骤
//
// 步骤按添加顺序执行、按逆序补偿。
// 补偿操作必须只依赖自身Action的结果（用闭包捕获上下文），
// 不得依赖后续步骤。
func (s *Saga) AddStep(name string, action, compensate func(ctx context.Context) error) {
	s.steps = append(s.steps, Step{
		Name:       name,
		Action:     action,
		Compensate: compensate,
	})
}

// Execute 顺序执行全部步骤
//
// 任一步骤失败（或整体超时）即触发补偿流程：
// 逆序执行已完成步骤的Compensate，补偿用新的context
// （避免补偿本身也被同一个超时取消）。
func (s *Saga) Execute(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	for i, step := range s.steps {
		select {
		case <-ctx.Done():
			s.compensate(context.Background())
			return fmt.Errorf("saga超时: %w", ctx.Err())
		default:
		}

		if step.Action != nil {
			if err := step.Action(ctx); err != nil {
				s.compensate(context.Background())
				return fmt.Errorf("步骤[%d:%s]执行失败: %w", i, step.Name, err)
			}
		}

		s.executed = append(s.executed, step)
	}

	return nil
}

// compensate 逆序补偿已完成的步骤
//
// 某个补偿失败时继续执行剩余补偿（尽最大努力），
// 失败通过回调上报。
func (s *Saga) compensate(ctx context.Context) {
	for i := len(s.executed) - 1; i >= 0; i-- {
		step := s.executed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.onCompensateError(step.Name, err)
		}
	}
	s.executed = nil
}
