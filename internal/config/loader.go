package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)
	applyNotificationDefaults(&cfg.Notification, cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoreBackend == BackendFS || cfg.Global.StoreBackend == BackendSQLite {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", BackendFS)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("RedisPrefix", "shell-cache:")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("RevalidateTimeout", "10s")
	v.SetDefault("PrimeConcurrency", 4)
	v.SetDefault("WatchConfig", false)
	v.SetDefault("App.Fallback", "./index.html")
	v.SetDefault("App.AutoActivate", true)
	v.SetDefault("Notification.DefaultBody", "New update available!")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = BackendFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.RevalidateTimeout.DurationValue() == 0 {
		g.RevalidateTimeout = Duration(10 * time.Second)
	}
	if g.PrimeConcurrency <= 0 {
		g.PrimeConcurrency = 4
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Domain = strings.ToLower(strings.TrimSpace(a.Domain))
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.CacheVersion = strings.TrimSpace(a.CacheVersion)
	if strings.TrimSpace(a.Fallback) == "" {
		a.Fallback = "./index.html"
	}
	for i, h := range a.VaryHeaders {
		a.VaryHeaders[i] = strings.TrimSpace(h)
	}
}

func applyNotificationDefaults(n *NotificationConfig, app AppConfig) {
	if n.Title == "" {
		n.Title = app.Name
	}
	if n.DefaultBody == "" {
		n.DefaultBody = "New update available!"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
