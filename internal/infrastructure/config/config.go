package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
// 设计说明：使用Viper管理配置，支持YAML文件与环境变量覆盖
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Inventory InventoryConfig `mapstructure:"inventory"`
}

type ServerConfig struct {
	// MetricsPort Prometheus /metrics端口
	MetricsPort int    `mapstructure:"metrics_port"`
	Mode        string `mapstructure:"mode"` // debug | release
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 生成MySQL连接字符串
// 注意：loc参数需要URL编码（Asia/Shanghai → Asia%2FShanghai）
func (d DatabaseConfig) DSN() string {
	loc := url.QueryEscape(d.Loc)
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, loc)
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr 返回Redis地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// RetryConfig 事件重试配置
type RetryConfig struct {
	// MaxAttempts 总尝试次数上限（含首次同步投递）
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseDelay 首次重试退避基准
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay 退避上限
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// ScanInterval 后台扫描间隔
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// Workers 重试执行并发度
	Workers int `mapstructure:"workers"`
}

// InventoryConfig 库存业务配置
type InventoryConfig struct {
	// MaxConflictRetries 乐观锁冲突重试上限
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`

	// DefaultReorderLevel 目录服务降级时的兜底补货阈值
	DefaultReorderLevel int `mapstructure:"default_reorder_level"`

	// EnableCache 是否启用可用数量缓存
	EnableCache bool `mapstructure:"enable_cache"`
}

// Load 加载配置文件
// 支持：
// 1. 默认加载config/config.yaml
// 2. 环境变量覆盖（如STOCKLEDGER_DATABASE_PASSWORD）
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.SetEnvPrefix("STOCKLEDGER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate 验证配置合法性
func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return fmt.Errorf("配置错误: database.host不能为空")
	}
	if cfg.Database.DBName == "" {
		return fmt.Errorf("配置错误: database.dbname不能为空")
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("配置错误: server.metrics_port非法: %d", cfg.Server.MetricsPort)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("配置错误: retry.max_attempts不能为负数")
	}
	if cfg.Inventory.MaxConflictRetries < 0 {
		return fmt.Errorf("配置错误: inventory.max_conflict_retries不能为负数")
	}
	return nil
}
