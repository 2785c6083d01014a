package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.RevalidateTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("纯数字秒值应解析为 10s，得到 %s", cfg.Global.RevalidateTimeout.DurationValue())
	}
	if cfg.Global.PrimeConcurrency != 4 {
		t.Fatalf("PrimeConcurrency 应使用默认值 4，得到 %d", cfg.Global.PrimeConcurrency)
	}
	if !cfg.App.AutoActivate {
		t.Fatalf("AutoActivate 默认应为 true")
	}
	if cfg.Notification.Title != "EPUB Reader" {
		t.Fatalf("通知标题未配置时应回退到 App.Name，得到 %q", cfg.Notification.Title)
	}
	if cfg.Notification.DefaultBody == "" {
		t.Fatalf("DefaultBody 应该自动填充默认值")
	}
	if len(cfg.App.Manifest) != 6 {
		t.Fatalf("清单条目数量不符: %d", len(cfg.App.Manifest))
	}
	if got := cfg.Sync.Periodic[0].Interval.DurationValue(); got != 12*time.Hour {
		t.Fatalf("周期同步间隔解析错误: %s", got)
	}
}

func TestValidateRejectsMissingApp(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStoreBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		shouldErr bool
	}{
		{"fs ok", BackendFS, false},
		{"memory ok", BackendMemory, false},
		{"sqlite ok", BackendSQLite, false},
		{"redis ok", BackendRedis, false},
		{"unsupported", "bolt", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StoreBackend = tc.backend
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	testCases := []struct {
		origin    string
		shouldErr bool
	}{
		{"https://reader.example.com", false},
		{"http://127.0.0.1:8080", false},
		{"ftp://reader.example.com", true},
		{"https://reader.example.com/app", true},
		{"", true},
	}
	for _, tc := range testCases {
		cfg := validConfig()
		cfg.App.Origin = tc.origin
		err := cfg.Validate()
		if tc.shouldErr != (err != nil) {
			t.Fatalf("origin %q: shouldErr=%v err=%v", tc.origin, tc.shouldErr, err)
		}
	}
}

func TestValidateRejectsCacheVersionWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.App.CacheVersion = "../v1"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("包含路径分隔符的 CacheVersion 应当报错")
	}
}

func TestValidateRejectsPeriodicWithoutInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Periodic = []PeriodicSync{{Tag: "library-sync"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("缺少 Interval 的周期同步应当报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Sync.Periodic[library-sync].Interval" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveURLAgainstOrigin(t *testing.T) {
	app := validConfig().App
	cases := map[string]string{
		"./":             "https://reader.example.com/",
		"./index.html":   "https://reader.example.com/index.html",
		"/manifest.json": "https://reader.example.com/manifest.json",
		"https://cdn.jsdelivr.net/npm/epubjs/dist/epub.min.js": "https://cdn.jsdelivr.net/npm/epubjs/dist/epub.min.js",
	}
	for raw, want := range cases {
		got, err := app.ResolveURL(raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", raw, err)
		}
		if got.String() != want {
			t.Fatalf("resolve %q: want %s got %s", raw, want, got)
		}
	}
}

func TestSyncTagsDeduplicates(t *testing.T) {
	s := SyncConfig{
		Tags:     []string{"sync-library", " ", "sync-library"},
		Periodic: []PeriodicSync{{Tag: "library-sync"}, {Tag: "sync-library"}},
	}
	tags := s.SyncTags()
	if len(tags) != 2 || tags[0] != "sync-library" || tags[1] != "library-sync" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:        5000,
			StoragePath:       "./data",
			StoreBackend:      BackendFS,
			RedisAddr:         "127.0.0.1:6379",
			UpstreamTimeout:   Duration(time.Second),
			RevalidateTimeout: Duration(time.Second),
			PrimeConcurrency:  2,
		},
		App: AppConfig{
			Name:         "EPUB Reader",
			Domain:       "reader.local",
			Origin:       "https://reader.example.com",
			CacheVersion: "epub-reader-v1",
			Manifest:     []string{"./", "./index.html"},
			Fallback:     "./index.html",
			AutoActivate: true,
		},
	}
}
