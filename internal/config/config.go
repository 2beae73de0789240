package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"app.env":     "APP_ENV",
	"server.port": "PORT",

	"database.host":         "DATABASE_HOST",
	"database.port":         "DATABASE_PORT",
	"database.user":         "DATABASE_USER",
	"database.password":     "DATABASE_PASSWORD",
	"database.name":         "DATABASE_NAME",
	"database.ssl_mode":     "DATABASE_SSL_MODE",
	"database.auto_migrate": "DATABASE_AUTO_MIGRATE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"jwt.secret_key": "JWT_SECRET_KEY",

	"log.level":       "LOG_LEVEL",
	"log.file":        "LOG_FILE",
	"log.max_size_mb": "LOG_MAX_SIZE_MB",
	"log.max_backups": "LOG_MAX_BACKUPS",
	"log.max_days":    "LOG_MAX_DAYS",
	"log.compress":    "LOG_COMPRESS",

	"kafka.brokers": "KAFKA_BROKERS",
	"kafka.topic":   "KAFKA_TOPIC",

	"notify.timeout":       "NOTIFY_TIMEOUT",
	"notify.redis_channel": "NOTIFY_REDIS_CHANNEL",

	"wagering.multiplier": "WAGER_MULTIPLIER",
	"wagering.min_stake":  "WAGER_MIN_STAKE",
	"wagering.max_stake":  "WAGER_MAX_STAKE",
	"wagering.value_min":  "WAGER_VALUE_MIN",
	"wagering.value_max":  "WAGER_VALUE_MAX",

	"settlement.concurrency":     "SETTLEMENT_CONCURRENCY",
	"settlement.sweep_interval":  "SETTLEMENT_SWEEP_INTERVAL",
	"settlement.sweep_batch":     "SETTLEMENT_SWEEP_BATCH",
	"settlement.reconcile_after": "SETTLEMENT_RECONCILE_AFTER",

	"payments.min_deposit":    "PAYMENT_MIN_DEPOSIT",
	"payments.max_deposit":    "PAYMENT_MAX_DEPOSIT",
	"payments.min_withdrawal": "PAYMENT_MIN_WITHDRAWAL",
	"payments.max_withdrawal": "PAYMENT_MAX_WITHDRAWAL",
}

// BindEnv reads the optional .env file and binds every known key to its environment variable.
func BindEnv() error {
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	return viper.ReadInConfig()
}

type WageringConfig struct {
	Multiplier int64
	MinStake   int64
	MaxStake   int64
	ValueMin   int
	ValueMax   int
	LockTTL    time.Duration
	ResultTTL  time.Duration
}

// LoadWageringConfig returns wager intake limits with defaults.
func LoadWageringConfig() (*WageringConfig, error) {
	viper.SetDefault("wagering.multiplier", 9)
	viper.SetDefault("wagering.min_stake", 1000)
	viper.SetDefault("wagering.max_stake", 1000000)
	viper.SetDefault("wagering.value_min", 0)
	viper.SetDefault("wagering.value_max", 9)
	viper.SetDefault("wagering.lock_ttl", 10*time.Second)
	viper.SetDefault("wagering.result_ttl", 24*time.Hour)

	cfg := &WageringConfig{
		Multiplier: viper.GetInt64("wagering.multiplier"),
		MinStake:   viper.GetInt64("wagering.min_stake"),
		MaxStake:   viper.GetInt64("wagering.max_stake"),
		ValueMin:   viper.GetInt("wagering.value_min"),
		ValueMax:   viper.GetInt("wagering.value_max"),
		LockTTL:    viper.GetDuration("wagering.lock_ttl"),
		ResultTTL:  viper.GetDuration("wagering.result_ttl"),
	}

	switch {
	case cfg.Multiplier < 1:
		return nil, fmt.Errorf("wagering.multiplier must be at least 1, got %d", cfg.Multiplier)
	case cfg.MinStake < 1:
		return nil, fmt.Errorf("wagering.min_stake must be positive, got %d", cfg.MinStake)
	case cfg.MaxStake < cfg.MinStake:
		return nil, fmt.Errorf("wagering.max_stake %d is below min_stake %d", cfg.MaxStake, cfg.MinStake)
	case cfg.ValueMax < cfg.ValueMin:
		return nil, fmt.Errorf("wagering.value_max %d is below value_min %d", cfg.ValueMax, cfg.ValueMin)
	}
	return cfg, nil
}

type SettlementConfig struct {
	Concurrency    int
	SweepInterval  time.Duration
	SweepBatch     int
	ReconcileAfter time.Duration
	ReportTTL      time.Duration
}

func LoadSettlementConfig() (*SettlementConfig, error) {
	viper.SetDefault("settlement.concurrency", 8)
	viper.SetDefault("settlement.sweep_interval", 30*time.Second)
	viper.SetDefault("settlement.sweep_batch", 100)
	viper.SetDefault("settlement.reconcile_after", 2*time.Minute)
	viper.SetDefault("settlement.report_ttl", 10*time.Minute)

	cfg := &SettlementConfig{
		Concurrency:    viper.GetInt("settlement.concurrency"),
		SweepInterval:  viper.GetDuration("settlement.sweep_interval"),
		SweepBatch:     viper.GetInt("settlement.sweep_batch"),
		ReconcileAfter: viper.GetDuration("settlement.reconcile_after"),
		ReportTTL:      viper.GetDuration("settlement.report_ttl"),
	}

	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("settlement.concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("settlement.sweep_interval must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.SweepBatch < 1 {
		cfg.SweepBatch = 100
	}
	return cfg, nil
}

type PaymentConfig struct {
	MinDeposit    int64
	MaxDeposit    int64
	MinWithdrawal int64
	MaxWithdrawal int64
}

func LoadPaymentConfig() (*PaymentConfig, error) {
	viper.SetDefault("payments.min_deposit", 1000)
	viper.SetDefault("payments.max_deposit", 100000000)
	viper.SetDefault("payments.min_withdrawal", 1000)
	viper.SetDefault("payments.max_withdrawal", 50000000)

	cfg := &PaymentConfig{
		MinDeposit:    viper.GetInt64("payments.min_deposit"),
		MaxDeposit:    viper.GetInt64("payments.max_deposit"),
		MinWithdrawal: viper.GetInt64("payments.min_withdrawal"),
		MaxWithdrawal: viper.GetInt64("payments.max_withdrawal"),
	}

	if cfg.MinDeposit < 1 || cfg.MaxDeposit < cfg.MinDeposit {
		return nil, fmt.Errorf("invalid deposit limits [%d, %d]", cfg.MinDeposit, cfg.MaxDeposit)
	}
	if cfg.MinWithdrawal < 1 || cfg.MaxWithdrawal < cfg.MinWithdrawal {
		return nil, fmt.Errorf("invalid withdrawal limits [%d, %d]", cfg.MinWithdrawal, cfg.MaxWithdrawal)
	}
	return cfg, nil
}

type NotifyConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	RedisChannel string
	Timeout      time.Duration
}

func LoadNotifyConfig() *NotifyConfig {
	viper.SetDefault("kafka.brokers", "")
	viper.SetDefault("kafka.topic", "wagering.events")
	viper.SetDefault("notify.redis_channel", "wagering.events")
	viper.SetDefault("notify.timeout", 2*time.Second)

	var brokers []string
	for _, b := range strings.Split(viper.GetString("kafka.brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return &NotifyConfig{
		KafkaBrokers: brokers,
		KafkaTopic:   viper.GetString("kafka.topic"),
		RedisChannel: viper.GetString("notify.redis_channel"),
		Timeout:      viper.GetDuration("notify.timeout"),
	}
}
