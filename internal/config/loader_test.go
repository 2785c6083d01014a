package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[App]
Domain = "reader.local"
Origin = "https://reader.example.com"
CacheVersion = "v1"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRespectsAutoActivateFalse(t *testing.T) {
	cfg := `
StoreBackend = "memory"

[App]
Domain = "reader.local"
Origin = "https://reader.example.com/"
CacheVersion = "v2"
AutoActivate = false
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.App.AutoActivate {
		t.Fatalf("显式关闭的 AutoActivate 不应被默认值覆盖")
	}
	if loaded.App.Origin != "https://reader.example.com" {
		t.Fatalf("Origin 末尾斜杠应被去除，得到 %s", loaded.App.Origin)
	}
	if loaded.App.Fallback != "./index.html" {
		t.Fatalf("Fallback 应使用默认值，得到 %s", loaded.App.Fallback)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	base := `
StoreBackend = "memory"

[App]
Domain = "reader.local"
Origin = "https://reader.example.com"
CacheVersion = "%s"
`
	path := writeTempConfig(t, strings.Replace(base, "%s", "v1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	err := Watch(ctx, path, 50*time.Millisecond, func(cfg *Config, err error) {
		if err == nil {
			changes <- cfg
		}
	})
	if err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(base, "%s", "v2", 1)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.App.CacheVersion != "v2" {
			t.Fatalf("期望重新加载到 v2，得到 %s", cfg.App.CacheVersion)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("等待配置重新加载超时")
	}
}
