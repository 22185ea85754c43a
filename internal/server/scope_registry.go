package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tronexi/offline-hub/internal/config"
)

// ScopeRoute 将 Worker 配置与派生属性（解析后的 Origin/Proxy URL）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type ScopeRoute struct {
	// Config 是 config.toml 中声明的 Worker 字段副本。
	Config config.WorkerConfig
	// ListenPort 记录当前监听端口，用于 X-Forwarded-Port。
	ListenPort int
	OriginURL  *url.URL
	ProxyURL   *url.URL
}

// ScopeRegistry 提供 Host/Host:port 到 ScopeRoute 的查询能力，所有 scope 共享同一个监听端口。
type ScopeRegistry struct {
	routes  map[string]*ScopeRoute
	ordered []*ScopeRoute
}

// NewScopeRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewScopeRegistry(cfg *config.Config) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ScopeRegistry{
		routes: make(map[string]*ScopeRoute, len(cfg.Workers)),
	}

	for _, w := range cfg.Workers {
		normalizedHost := normalizeDomain(w.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for scope %s", w.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildScopeRoute(cfg, w)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 ScopeRoute。
func (r *ScopeRegistry) Lookup(host string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回按配置顺序排列的 ScopeRoute 列表，用于诊断输出。
func (r *ScopeRegistry) List() []ScopeRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]ScopeRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildScopeRoute(cfg *config.Config, w config.WorkerConfig) (*ScopeRoute, error) {
	originURL, err := url.Parse(w.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for scope %s: %w", w.Name, err)
	}

	var proxyURL *url.URL
	if w.Proxy != "" {
		proxyURL, err = url.Parse(w.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for scope %s: %w", w.Name, err)
		}
	}

	return &ScopeRoute{
		Config:     w,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
	}, nil
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
