package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Billing  BillingConfig  `mapstructure:"billing"`
	External ExternalConfig `mapstructure:"external"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	BillingEvents string `mapstructure:"billing_events"`
}

// BillingConfig 计费策略
// 扣费/停机/注销的节奏全部集中在这里，不散落在代码里
type BillingConfig struct {
	Currency             string `mapstructure:"currency"`
	ChargeIntervalSec    int    `mapstructure:"charge_interval_sec"`     // 计费引擎 tick 间隔
	CancelIntervalSec    int    `mapstructure:"cancel_interval_sec"`     // 注销调度 tick 间隔
	SweepIntervalSec     int    `mapstructure:"sweep_interval_sec"`      // 孤儿清理间隔
	GraceDays            int    `mapstructure:"grace_days"`              // 欠费后到停机的宽限天数
	CancelAfterDays      int    `mapstructure:"cancel_after_days"`       // 欠费后到注销的总天数
	ImmediateLeadMinutes int    `mapstructure:"immediate_lead_minutes"`  // 立即删除的固定提前量
	GraceLeadDays        int    `mapstructure:"grace_lead_days"`         // 宽限删除的提前量
	OrderTimeoutMinutes  int    `mapstructure:"order_timeout_minutes"`   // 订单超时关闭
	SweepIdentityDelayMs int    `mapstructure:"sweep_identity_delay_ms"` // 身份系统调用之间的限速间隔
	OutboxMaxRetry       int    `mapstructure:"outbox_max_retry"`        // 事件投递最大重试次数
}

func (c BillingConfig) ChargeInterval() time.Duration {
	return secondsOr(c.ChargeIntervalSec, 60*time.Second)
}

func (c BillingConfig) CancelInterval() time.Duration {
	return secondsOr(c.CancelIntervalSec, 30*time.Second)
}

func (c BillingConfig) SweepInterval() time.Duration {
	return secondsOr(c.SweepIntervalSec, 3600*time.Second)
}

func (c BillingConfig) GraceWindow() time.Duration {
	return daysOr(c.GraceDays, 5)
}

func (c BillingConfig) CancelAfter() time.Duration {
	return daysOr(c.CancelAfterDays, 7)
}

func (c BillingConfig) ImmediateLead() time.Duration {
	if c.ImmediateLeadMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ImmediateLeadMinutes) * time.Minute
}

func (c BillingConfig) GraceLead() time.Duration {
	return daysOr(c.GraceLeadDays, 7)
}

func (c BillingConfig) SweepIdentityDelay() time.Duration {
	if c.SweepIdentityDelayMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.SweepIdentityDelayMs) * time.Millisecond
}

func (c BillingConfig) OutboxRetryLimit() int {
	if c.OutboxMaxRetry <= 0 {
		return 5
	}
	return c.OutboxMaxRetry
}

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func daysOr(days int, defDays int) time.Duration {
	if days <= 0 {
		days = defDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ExternalConfig 外部服务（虚拟化面板 / 支付网关 / 身份系统）
type ExternalConfig struct {
	Hypervisor ExternalEndpoint `mapstructure:"hypervisor"`
	Payment    ExternalEndpoint `mapstructure:"payment"`
	Identity   ExternalEndpoint `mapstructure:"identity"`
}

type ExternalEndpoint struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

func (e ExternalEndpoint) Timeout() time.Duration {
	if e.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.TimeoutSec) * time.Second
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
