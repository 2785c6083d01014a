package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Identity 唯一定位一条缓存响应：方法 + 绝对 URL（去掉 fragment）+ 可选 Vary 头取值。
// 两个 Identity 相同的请求可以互相复用缓存。
type Identity struct {
	Method string
	URL    string
	Vary   string
}

// NewIdentity 从请求要素构造 Identity。varyHeaders 中列出的头部按名称排序后拼入键值。
func NewIdentity(method string, target *url.URL, header http.Header, varyHeaders []string) Identity {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	id := Identity{Method: method}
	if target != nil {
		u := *target
		u.Fragment = ""
		u.RawFragment = ""
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		if u.Path == "" {
			u.Path = "/"
		}
		id.URL = u.String()
	}
	if len(varyHeaders) > 0 {
		names := make([]string, 0, len(varyHeaders))
		for _, name := range varyHeaders {
			names = append(names, http.CanonicalHeaderKey(name))
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+"="+strings.Join(header.Values(name), ","))
		}
		id.Vary = strings.Join(parts, "\n")
	}
	return id
}

// GetIdentity 是 GET + 绝对 URL 的便捷构造，供清单预热与回退入口使用。
func GetIdentity(target *url.URL) Identity {
	return NewIdentity(http.MethodGet, target, nil, nil)
}

// Key 返回规范化的字符串键。
func (id Identity) Key() string {
	if id.Vary == "" {
		return id.Method + " " + id.URL
	}
	return id.Method + " " + id.URL + "\n" + id.Vary
}

// Hash 返回 Key 的 sha1 摘要，供文件名、行键与哈希字段使用。
func (id Identity) Hash() string {
	sum := sha1.Sum([]byte(id.Key()))
	return hex.EncodeToString(sum[:])
}

func (id Identity) String() string {
	return id.Key()
}
