package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort string

	// 目录服务与机构查询
	DirectoryURL     string
	DirectoryTimeout time.Duration
	AgencyTimeout    time.Duration
	Concurrency      int
	ResultCap        int

	// api / collect 使用的服务账号；为空时不登录
	AgencyURL  string
	AgencyUser string
	AgencyPass string

	HistoryDSN string
	RedisAddr  string

	CronSpec     string
	WatchQueries []string

	RateLimitRPS float64

	// 为空时 api 不启用 Basic Auth
	BasicAuthUser string
	BasicAuthPass string

	LogLevel  string
	LogFormat string
}

func defaults(v *viper.Viper) {
	v.SetDefault("app_port", "9000")
	v.SetDefault("directory_url", "http://newssites.pythonanywhere.com")
	v.SetDefault("directory_timeout", "10s")
	v.SetDefault("agency_timeout", "10s")
	v.SetDefault("concurrency", 4)
	v.SetDefault("result_cap", 20)
	v.SetDefault("agency_url", "")
	v.SetDefault("agency_user", "")
	v.SetDefault("agency_pass", "")
	v.SetDefault("history_dsn", "sqlite://newshub.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("cron_spec", "*/30 * * * *")
	v.SetDefault("watch_queries", []string{"*,*,*"})
	v.SetDefault("rate_limit_rps", 5.0)
	v.SetDefault("basic_auth_user", "")
	v.SetDefault("basic_auth_pass", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Load 读取配置：默认值 → 配置文件（NEWSHUB_CONFIG）→ NEWSHUB_ 前缀的环境变量
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("NEWSHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("NEWSHUB_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		AppPort:          v.GetString("app_port"),
		DirectoryURL:     v.GetString("directory_url"),
		DirectoryTimeout: v.GetDuration("directory_timeout"),
		AgencyTimeout:    v.GetDuration("agency_timeout"),
		Concurrency:      v.GetInt("concurrency"),
		ResultCap:        v.GetInt("result_cap"),
		AgencyURL:        v.GetString("agency_url"),
		AgencyUser:       v.GetString("agency_user"),
		AgencyPass:       v.GetString("agency_pass"),
		HistoryDSN:       v.GetString("history_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		CronSpec:         v.GetString("cron_spec"),
		WatchQueries:     v.GetStringSlice("watch_queries"),
		RateLimitRPS:     v.GetFloat64("rate_limit_rps"),
		BasicAuthUser:    v.GetString("basic_auth_user"),
		BasicAuthPass:    v.GetString("basic_auth_pass"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
	}

	if cfg.AgencyTimeout <= 0 {
		return nil, fmt.Errorf("config: agency_timeout must be positive")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ResultCap <= 0 {
		return nil, fmt.Errorf("config: result_cap must be positive")
	}
	return cfg, nil
}
