package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey 返回请求的缓存标识：方法 + 绝对 URL（去掉 fragment）。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return KeyFor(req.Method, req.URL)
}

// KeyFor 对方法与 URL 做规范化后拼接，scheme/host 统一小写。
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	normalized := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return strings.ToUpper(method) + " " + normalized.String()
}
