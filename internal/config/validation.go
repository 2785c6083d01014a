package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendMemory: {},
	BackendSQLite: {},
	BackendRedis:  {},
}

const supportedBackendList = "fs|memory|sqlite|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 "+supportedBackendList)
	}
	if (g.StoreBackend == BackendFS || g.StoreBackend == BackendSQLite) && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StoreBackend == BackendRedis && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RevalidateTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RevalidateTimeout", "必须大于 0")
	}
	if g.PrimeConcurrency <= 0 {
		return newFieldError("Global.PrimeConcurrency", "必须大于 0")
	}

	if err := c.App.validate(); err != nil {
		return err
	}

	for _, p := range c.Sync.Periodic {
		if strings.TrimSpace(p.Tag) == "" {
			return newFieldError(periodicField("", "Tag"), "不能为空")
		}
		if p.Interval.DurationValue() <= 0 {
			return newFieldError(periodicField(p.Tag, "Interval"), "必须大于 0")
		}
	}
	return nil
}

func (a AppConfig) validate() error {
	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("App.Domain: %w", err)
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if a.CacheVersion == "" {
		return newFieldError("App.CacheVersion", "不能为空")
	}
	if strings.ContainsAny(a.CacheVersion, `/\ `) {
		return newFieldError("App.CacheVersion", "不允许包含路径分隔符或空格")
	}
	for _, entry := range a.Manifest {
		if _, err := a.ResolveURL(entry); err != nil {
			return newFieldError("App.Manifest", fmt.Sprintf("无法解析条目 %q", entry))
		}
	}
	if _, err := a.ResolveURL(a.Fallback); err != nil {
		return newFieldError("App.Fallback", "无法解析")
	}
	for _, h := range a.VaryHeaders {
		if h == "" || http.CanonicalHeaderKey(h) == "" {
			return newFieldError("App.VaryHeaders", "不允许空白头部")
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
