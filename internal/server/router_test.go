package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tronexi/offline-hub/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://tronexi.local/static/icons/icon-192x192.png", nil)
	req.Host = "tronexi.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.storage.routeName != "tronexi" {
		t.Fatalf("expected tronexi route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"scope_unmapped"`)) {
		t.Fatalf("expected scope_unmapped error, got %s", string(body))
	}
	if got := resp.Header.Get("X-Offline-Hub-Host"); got != "unknown.local" {
		t.Fatalf("expected host echo header, got %q", got)
	}
	if app.storage.routeName != "" {
		t.Fatalf("proxy handler must not run for unknown host")
	}
}

func TestRouterProxiesReservedPrefixOnMappedHost(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/workers", func(c fiber.Ctx) error {
		return c.SendString("diagnostics")
	})

	req := httptest.NewRequest("GET", "http://tronexi.local/-/workers", nil)
	req.Host = "tronexi.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("mapped host 的 /-/ 路径应交给 fetch 处理, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.storage.routeName != "tronexi" {
		t.Fatalf("expected tronexi route, got %q", app.storage.routeName)
	}
}

func TestRouterServesDiagnosticsOnUnmappedHost(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/workers", func(c fiber.Ctx) error {
		return c.SendString("diagnostics")
	})

	req := httptest.NewRequest("GET", "http://127.0.0.1:5000/-/workers", nil)
	req.Host = "127.0.0.1:5000"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "diagnostics" {
		t.Fatalf("unexpected body: %s", string(body))
	}
	if app.storage.routeName != "" {
		t.Fatalf("proxy handler must not run for diagnostics on unmapped host")
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: port},
		Workers: []config.WorkerConfig{
			{
				Name:      "tronexi",
				Domain:    "tronexi.local",
				Origin:    "http://127.0.0.1:8000",
				CacheName: "tronexi-cache",
			},
		},
	}

	registry, err := NewScopeRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *ScopeRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *ScopeRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
