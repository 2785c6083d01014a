package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存后端与上游超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	StoreBackend      string   `mapstructure:"StoreBackend"`
	RedisAddr         string   `mapstructure:"RedisAddr"`
	RedisPassword     string   `mapstructure:"RedisPassword"`
	RedisDB           int      `mapstructure:"RedisDB"`
	RedisPrefix       string   `mapstructure:"RedisPrefix"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	RevalidateTimeout Duration `mapstructure:"RevalidateTimeout"`
	PrimeConcurrency  int      `mapstructure:"PrimeConcurrency"`
	WatchConfig       bool     `mapstructure:"WatchConfig"`
}

// AppConfig 描述被拦截的应用：源站、缓存版本、预热清单与回退入口。
type AppConfig struct {
	Name             string   `mapstructure:"Name"`
	Domain           string   `mapstructure:"Domain"`
	Origin           string   `mapstructure:"Origin"`
	CacheVersion     string   `mapstructure:"CacheVersion"`
	Manifest         []string `mapstructure:"Manifest"`
	Fallback         string   `mapstructure:"Fallback"`
	CacheCrossOrigin bool     `mapstructure:"CacheCrossOrigin"`
	AutoActivate     bool     `mapstructure:"AutoActivate"`
	VaryHeaders      []string `mapstructure:"VaryHeaders"`
}

// NotificationConfig 对应推送通知的固定展示参数。
type NotificationConfig struct {
	Title       string `mapstructure:"Title"`
	DefaultBody string `mapstructure:"DefaultBody"`
	Icon        string `mapstructure:"Icon"`
	Badge       string `mapstructure:"Badge"`
	Tag         string `mapstructure:"Tag"`
	Vibrate     []int  `mapstructure:"Vibrate"`
}

// PeriodicSync 描述一个周期性后台同步触发器。
type PeriodicSync struct {
	Tag      string   `mapstructure:"Tag"`
	Interval Duration `mapstructure:"Interval"`
}

// SyncConfig 列出允许触发 sync-requested 广播的标签。
type SyncConfig struct {
	Tags     []string       `mapstructure:"Tags"`
	Periodic []PeriodicSync `mapstructure:"Periodic"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	App          AppConfig          `mapstructure:"App"`
	Notification NotificationConfig `mapstructure:"Notification"`
	Sync         SyncConfig         `mapstructure:"Sync"`
}

// OriginURL 返回解析后的应用源站（假定 Validate 已经通过）。
func (a AppConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(strings.TrimRight(a.Origin, "/"))
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// ResolveURL 以源站根目录为基准解析清单条目，"./index.html" 与 "/index.html" 等价。
func (a AppConfig) ResolveURL(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	base := *a.OriginURL()
	base.Path = "/"
	return base.ResolveReference(ref), nil
}

// SyncTags 返回所有应当响应的同步标签（一次性 + 周期性），保持配置顺序并去重。
func (s SyncConfig) SyncTags() []string {
	seen := make(map[string]struct{}, len(s.Tags)+len(s.Periodic))
	var result []string
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	for _, tag := range s.Tags {
		add(tag)
	}
	for _, p := range s.Periodic {
		add(p.Tag)
	}
	return result
}
