package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/shell-cache/shell-cache/internal/config"
)

// Targets 把入站 Host 与路径还原为被拦截请求的目标 URL。
// 命中 App.Domain 或源站 Host 的请求映射到源站，其余 Host 视为跨域请求原样转发。
type Targets struct {
	origin *url.URL
	local  map[string]struct{}
}

// NewTargets 根据应用配置构建 Host 映射，每次部署后重新构建。
func NewTargets(app config.AppConfig) (*Targets, error) {
	origin := app.OriginURL()
	if origin.Host == "" {
		return nil, errors.New("app origin is not configured")
	}
	t := &Targets{
		origin: origin,
		local:  make(map[string]struct{}, 2),
	}
	for _, raw := range []string{app.Domain, origin.Host} {
		if host := normalizeDomain(raw); host != "" {
			t.local[host] = struct{}{}
		}
	}
	return t, nil
}

// Local 判断 Host 是否属于被拦截应用本身。
func (t *Targets) Local(host string) bool {
	if t == nil {
		return false
	}
	normalized, _ := normalizeHost(host)
	_, ok := t.local[normalized]
	return ok
}

// Resolve 计算目标 URL。scheme 仅用于跨域 Host，为空时按 https 处理。
func (t *Targets) Resolve(host, scheme, rawPath, rawQuery string) (*url.URL, error) {
	clean := normalizeRequestPath(rawPath)
	if t.Local(host) || strings.TrimSpace(host) == "" {
		target := *t.origin
		target.Path = clean
		target.RawPath = ""
		target.RawQuery = rawQuery
		return &target, nil
	}

	hostname, port := normalizeHost(host)
	if hostname == "" {
		return nil, fmt.Errorf("invalid host %q", host)
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	authority := hostname
	if port > 0 {
		authority = net.JoinHostPort(hostname, strconv.Itoa(port))
	}
	return &url.URL{Scheme: scheme, Host: authority, Path: clean, RawQuery: rawQuery}, nil
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
