package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/tronexi/offline-hub/internal/cache"
	"github.com/tronexi/offline-hub/internal/config"
)

// newTransport 基于 cleanhttp 的连接池 Transport，所有 scope 共享长连接。
func newTransport() *http.Transport {
	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = 100
	return transport
}

// NewOriginClient 返回共享 http.Client，install 与 fetch 的回源都经由它发出。
// 配置了 Proxy 的 Worker 按 Origin 的 host 选择对应的正向代理，其余请求沿用环境变量代理。
func NewOriginClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := newTransport()
	if proxies := originProxies(cfg); len(proxies) > 0 {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if proxyURL, ok := proxies[strings.ToLower(req.URL.Host)]; ok {
				return proxyURL, nil
			}
			return http.ProxyFromEnvironment(req)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// originProxies 构建 Origin host → Proxy URL 映射，同一 host 以先声明的 Worker 为准。
func originProxies(cfg *config.Config) map[string]*url.URL {
	if cfg == nil {
		return nil
	}
	proxies := make(map[string]*url.URL)
	for _, w := range cfg.Workers {
		if w.Proxy == "" {
			continue
		}
		origin, err := url.Parse(w.Origin)
		if err != nil || origin.Host == "" {
			continue
		}
		proxyURL, err := url.Parse(w.Proxy)
		if err != nil {
			continue
		}
		host := strings.ToLower(origin.Host)
		if _, exists := proxies[host]; !exists {
			proxies[host] = proxyURL
		}
	}
	return proxies
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
// 与缓存写入共用同一份字段表。
func IsHopByHopHeader(key string) bool {
	return cache.IsHopByHopHeader(key)
}
