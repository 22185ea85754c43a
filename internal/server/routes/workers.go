package routes

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/tronexi/offline-hub/internal/cache"
	"github.com/tronexi/offline-hub/internal/server"
	"github.com/tronexi/offline-hub/internal/worker"
)

// WorkerRoutesOptions 汇总诊断接口需要读取的组件。
type WorkerRoutesOptions struct {
	Scopes  *server.ScopeRegistry
	Workers *worker.Registry
	Storage cache.Storage
}

// RegisterWorkerRoutes 暴露 /-/workers 与 /-/caches 诊断接口，供运维查询各 scope 的注册状态与缓存内容，
// 并可手动触发重新安装。
func RegisterWorkerRoutes(app *fiber.App, opts WorkerRoutesOptions) {
	if app == nil || opts.Scopes == nil || opts.Workers == nil || opts.Storage == nil {
		return
	}

	app.Get("/-/workers", func(c fiber.Ctx) error {
		payload := make([]workerPayload, 0)
		for _, route := range opts.Scopes.List() {
			payload = append(payload, encodeWorker(c.Context(), route, opts))
		}
		return c.JSON(fiber.Map{"workers": payload})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := opts.Storage.Names()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "cache_unreadable",
				"detail": err.Error(),
			})
		}
		if names == nil {
			names = []string{}
		}
		return c.JSON(fiber.Map{"caches": names})
	})

	app.Get("/-/workers/:name/cache", func(c fiber.Ctx) error {
		route, ok := findScope(opts.Scopes, c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		entries, err := cacheEntries(c.Context(), opts.Storage, route.Config.CacheName)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "cache_unreadable",
				"detail": err.Error(),
			})
		}
		return c.JSON(cachePayload{
			Scope:     route.Config.Name,
			CacheName: route.Config.CacheName,
			Entries:   encodeEntries(entries),
		})
	})

	app.Post("/-/workers/:name/update", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		reg, ok := opts.Workers.Get(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		if err := reg.Update(c.Context()); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":        "install_failed",
				"detail":       err.Error(),
				"registration": reg.Status(),
			})
		}
		return c.JSON(fiber.Map{"registration": reg.Status()})
	})
}

type workerPayload struct {
	Scope        string         `json:"scope"`
	Domain       string         `json:"domain"`
	Origin       string         `json:"origin"`
	CacheName    string         `json:"cache_name"`
	Version      string         `json:"configured_version"`
	Assets       []string       `json:"assets"`
	IgnoreSearch bool           `json:"ignore_search"`
	Port         int            `json:"port"`
	Registration *worker.Status `json:"registration,omitempty"`
	CacheEntries int            `json:"cache_entries"`
	CacheError   string         `json:"cache_error,omitempty"`
}

type cachePayload struct {
	Scope     string         `json:"scope"`
	CacheName string         `json:"cache_name"`
	Entries   []entryPayload `json:"entries"`
}

type entryPayload struct {
	Key       string    `json:"key"`
	SourceURL string    `json:"source_url"`
	Status    int       `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

func encodeWorker(ctx context.Context, route server.ScopeRoute, opts WorkerRoutesOptions) workerPayload {
	payload := workerPayload{
		Scope:        route.Config.Name,
		Domain:       route.Config.Domain,
		Origin:       route.Config.Origin,
		CacheName:    route.Config.CacheName,
		Version:      route.Config.Version,
		Assets:       append([]string(nil), route.Config.Assets...),
		IgnoreSearch: route.Config.IgnoreSearch,
		Port:         route.ListenPort,
	}
	if reg, ok := opts.Workers.Get(route.Config.Name); ok {
		status := reg.Status()
		payload.Registration = &status
	}
	entries, err := cacheEntries(ctx, opts.Storage, route.Config.CacheName)
	if err != nil {
		payload.CacheError = err.Error()
		return payload
	}
	payload.CacheEntries = len(entries)
	return payload
}

// cacheEntries 在缓存尚未创建时返回空列表，避免诊断请求创建目录。
func cacheEntries(ctx context.Context, storage cache.Storage, name string) ([]cache.Entry, error) {
	exists, err := storage.Has(name)
	if err != nil || !exists {
		return nil, err
	}
	c, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Keys(ctx)
}

func encodeEntries(entries []cache.Entry) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryPayload{
			Key:       entry.Key.String(),
			SourceURL: entry.SourceURL,
			Status:    entry.Status,
			SizeBytes: entry.SizeBytes,
			StoredAt:  entry.StoredAt,
		})
	}
	return result
}

func findScope(scopes *server.ScopeRegistry, name string) (server.ScopeRoute, bool) {
	name = strings.TrimSpace(name)
	for _, route := range scopes.List() {
		if route.Config.Name == name {
			return route, true
		}
	}
	return server.ScopeRoute{}, false
}
