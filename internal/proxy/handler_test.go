package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tronexi/offline-hub/internal/cache"
	"github.com/tronexi/offline-hub/internal/config"
	"github.com/tronexi/offline-hub/internal/server"
	"github.com/tronexi/offline-hub/internal/worker"
)

func TestHandlerServesPrecachedAssetsWithoutNetwork(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, true)

	origin.set("/", "home v2")
	before := origin.hitCount()

	resp := env.do(t, "GET", "/")
	body := readAll(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "home v1" {
		t.Fatalf("缓存命中应返回 install 时的内容, got %s", body)
	}
	if resp.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header")
	}
	if resp.Header.Get("X-Offline-Hub-Version") != "1" {
		t.Fatalf("expected controller version header, got %q", resp.Header.Get("X-Offline-Hub-Version"))
	}
	if resp.Header.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("stored headers should be replayed, got %q", resp.Header.Get("Content-Type"))
	}
	if origin.hitCount() != before {
		t.Fatalf("缓存命中不应回源")
	}
}

func TestHandlerMissGoesToNetworkEveryTime(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, true)
	before := origin.hitCount()

	for i := 0; i < 2; i++ {
		resp := env.do(t, "GET", "/api/now?tz=utc")
		body := readAll(t, resp)
		if resp.StatusCode != fiber.StatusOK || body != "tick" {
			t.Fatalf("unexpected miss response %d %s", resp.StatusCode, body)
		}
		if resp.Header.Get("X-Offline-Hub-Cache-Hit") != "false" {
			t.Fatalf("expected cache miss header")
		}
		if !strings.HasSuffix(resp.Header.Get("X-Offline-Hub-Origin"), "/api/now?tz=utc") {
			t.Fatalf("origin header should carry the resolved url, got %s", resp.Header.Get("X-Offline-Hub-Origin"))
		}
	}
	if got := origin.hitCount() - before; got != 2 {
		t.Fatalf("expected 2 network calls, got %d", got)
	}
}

func TestHandlerRelaysOriginStatus(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, true)

	resp := env.do(t, "GET", "/missing")
	readAll(t, resp)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected origin 404 relayed, got %d", resp.StatusCode)
	}
}

func TestHandlerPassesThroughWithoutController(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, false)

	resp := env.do(t, "GET", "/")
	body := readAll(t, resp)
	if body != "home v1" || resp.Header.Get("X-Offline-Hub-Cache-Hit") != "false" {
		t.Fatalf("expected network pass-through, got %s (hit=%s)", body, resp.Header.Get("X-Offline-Hub-Cache-Hit"))
	}
	if resp.Header.Get("X-Offline-Hub-Version") != "" {
		t.Fatalf("no version header expected without controller")
	}
}

func TestHandlerForwardsRequestHeaders(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, true)

	req := httptest.NewRequest("GET", "http://tronexi.local/echo", nil)
	req.Host = "tronexi.local"
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Proxy-Authorization", "secret")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	readAll(t, resp)

	got := origin.lastHeader()
	if got.Get("X-Custom") != "kept" {
		t.Fatalf("end-to-end header should reach origin")
	}
	if got.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop header must be stripped")
	}
	if got.Get("X-Forwarded-Host") != "tronexi.local" {
		t.Fatalf("expected X-Forwarded-Host, got %q", got.Get("X-Forwarded-Host"))
	}
	if got.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("expected X-Forwarded-Port 5000, got %q", got.Get("X-Forwarded-Port"))
	}
}

func TestHandlerNetworkFailureReturns502(t *testing.T) {
	origin := newOriginStub(t)
	env := newHandlerEnv(t, origin, true)
	origin.Close()

	resp := env.do(t, "GET", "/offline")
	body := readAll(t, resp)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed body, got %s", body)
	}

	// 预缓存资产在离线时仍然可用。
	resp = env.do(t, "GET", "/static/icons/icon-192x192.png")
	if body := readAll(t, resp); resp.StatusCode != fiber.StatusOK || body != "icon-192" {
		t.Fatalf("precached asset should survive origin outage, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerKeepsScopesApartUnderSharedCacheName(t *testing.T) {
	originA := newOriginStub(t)
	originB := newOriginStub(t)
	originA.set("/", "site A home")
	originB.set("/", "site B home")

	env := newScopesEnv(t, true,
		scopeSpec{name: "site-a", domain: "a.local", origin: originA, assets: []string{"/"}},
		scopeSpec{name: "site-b", domain: "b.local", origin: originB, assets: []string{"/"}},
	)
	beforeA, beforeB := originA.hitCount(), originB.hitCount()

	cases := []struct {
		host string
		want string
	}{
		{host: "a.local", want: "site A home"},
		{host: "b.local", want: "site B home"},
	}
	for _, tc := range cases {
		resp := env.doHost(t, tc.host, "GET", "/")
		body := readAll(t, resp)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.host, resp.StatusCode)
		}
		if body != tc.want {
			t.Fatalf("%s: 不同 scope 的缓存条目不应互相覆盖, got %q want %q", tc.host, body, tc.want)
		}
		if resp.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
			t.Fatalf("%s: expected cache hit header", tc.host)
		}
	}
	if originA.hitCount() != beforeA || originB.hitCount() != beforeB {
		t.Fatalf("precached root should be served without network")
	}
}

func TestHandlerMatchesEncodedSlashAgainstPrecache(t *testing.T) {
	origin := newOriginStub(t)
	origin.set("/a/b", "encoded slash")
	env := newScopesEnv(t, true, scopeSpec{
		name:   "tronexi",
		domain: "tronexi.local",
		origin: origin,
		assets: []string{"/a%2Fb"},
	})
	before := origin.hitCount()

	resp := env.do(t, "GET", "/a%2Fb")
	body := readAll(t, resp)
	if resp.StatusCode != fiber.StatusOK || body != "encoded slash" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
		t.Fatalf("%%2F 路径应命中 install 时写入的条目")
	}
	if origin.hitCount() != before {
		t.Fatalf("缓存命中不应回源")
	}
}

func TestHandlerServesReservedPrefixFromOrigin(t *testing.T) {
	origin := newOriginStub(t)
	origin.set("/-/app.js", "reserved prefix asset")
	env := newHandlerEnv(t, origin, true)

	resp := env.do(t, "GET", "/-/app.js")
	body := readAll(t, resp)
	if resp.StatusCode != fiber.StatusOK || body != "reserved prefix asset" {
		t.Fatalf("mapped host 的 /-/ 路径应走 fetch, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Offline-Hub-Version") != "1" {
		t.Fatalf("expected controller to handle the request")
	}
}

type handlerEnv struct {
	app *fiber.App
}

func (e *handlerEnv) do(t *testing.T, method, target string) *http.Response {
	t.Helper()
	return e.doHost(t, "tronexi.local", method, target)
}

func (e *handlerEnv) doHost(t *testing.T, host, method, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	req.Host = host
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

// scopeSpec 描述测试环境中的一个 scope：Host 映射、源站与预缓存清单。
type scopeSpec struct {
	name   string
	domain string
	origin *originStub
	assets []string
}

func newHandlerEnv(t *testing.T, origin *originStub, install bool) *handlerEnv {
	t.Helper()
	return newScopesEnv(t, install, scopeSpec{
		name:   "tronexi",
		domain: "tronexi.local",
		origin: origin,
		assets: config.DefaultAssets(),
	})
}

// newScopesEnv 为每个 scope 注册一个 worker，所有 worker 共享同一个 Storage
// 与默认缓存名，与 main 的装配方式一致。
func newScopesEnv(t *testing.T, install bool, specs ...scopeSpec) *handlerEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Global: config.GlobalConfig{ListenPort: 5000}}
	for _, spec := range specs {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{
			Name:      spec.name,
			Domain:    spec.domain,
			Origin:    spec.origin.URL,
			CacheName: config.DefaultCacheName,
			Version:   config.DefaultWorkerVersion,
			Assets:    spec.assets,
		})
	}
	scopes, err := server.NewScopeRegistry(cfg)
	if err != nil {
		t.Fatalf("scope registry error: %v", err)
	}

	storage, err := cache.NewStorage(t.TempDir(), cache.StorageOptions{Fetcher: http.DefaultClient, Concurrency: 2})
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}

	workers := worker.NewRegistry()
	for i, spec := range specs {
		wcfg := cfg.Workers[i]
		network := spec.origin.Client()
		originURL, _ := url.Parse(spec.origin.URL)
		reg, err := worker.NewRegistration(worker.RegistrationOptions{
			Scope:          wcfg.Name,
			InstallTimeout: 5 * time.Second,
			Logger:         logger,
			Script: func() (worker.Handlers, error) {
				return worker.New(worker.Options{
					Scope:     wcfg.Name,
					Version:   wcfg.Version,
					CacheName: wcfg.CacheName,
					Origin:    originURL,
					Assets:    wcfg.Assets,
					Storage:   storage,
					Network:   network,
					Logger:    logger,
				})
			},
		})
		if err != nil {
			t.Fatalf("registration error: %v", err)
		}
		if install {
			if err := reg.Update(context.Background()); err != nil {
				t.Fatalf("install %s error: %v", wcfg.Name, err)
			}
		}
		if err := workers.Add(reg); err != nil {
			t.Fatalf("registry error: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   scopes,
		Proxy:      NewForwarder(NewHandler(specs[0].origin.Client(), logger, workers), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &handlerEnv{app: app}
}

type originStub struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	hits   int
	header http.Header
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{bodies: map[string]string{
		"/":                              "home v1",
		"/static/icons/icon-192x192.png": "icon-192",
		"/static/icons/icon-512x512.png": "icon-512",
		"/api/now":                       "tick",
		"/echo":                          "echo",
	}}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits++
		stub.header = r.Header.Clone()
		body, ok := stub.bodies[r.URL.Path]
		stub.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) set(path, body string) {
	s.mu.Lock()
	s.bodies[path] = body
	s.mu.Unlock()
}

func (s *originStub) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *originStub) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
