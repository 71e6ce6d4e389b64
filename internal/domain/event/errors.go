package event

import "errors"

// 领域错误定义
var (
	ErrRetryRecordNotFound = errors.New("重试记录不存在")
	ErrUnknownHandler      = errors.New("未注册的事件处理器")
	ErrRegistryFrozen      = errors.New("处理器注册表已冻结")
)
