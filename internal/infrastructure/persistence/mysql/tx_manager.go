package mysql

import (
	"context"

	"gorm.io/gorm"
)

// txKey 事务DB的context键（非导出类型，避免外部冲突）
type txKey struct{}

// TxManager 事务管理器
// 设计说明：
// 1. 封装GORM的Transaction方法
// 2. 通过context传递事务DB（避免全局变量）
// 3. 本仓储包的所有Repository通过getDB自动加入当前事务
type TxManager struct {
	db *gorm.DB
}

// NewTxManager 创建事务管理器
func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// Transaction 执行事务
// fn内通过同一context调用的仓储操作在同一事务中执行，
// fn返回error时自动ROLLBACK，返回nil时自动COMMIT。
func (m *TxManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// getDB 提取当前DB：优先context中的事务DB，否则用默认连接
func getDB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}
