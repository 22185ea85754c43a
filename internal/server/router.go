package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers requests for a scope.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *ScopeRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *ScopeRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *ScopeRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_offlinehub_route"
	contextKeyRequestID = "_offlinehub_request_id"
)

// DiagnosticsPrefix 开头的路径在未映射的 Host 上由 routes 包注册的诊断接口处理。
const DiagnosticsPrefix = "/-/"

// NewApp builds a Fiber application with Host routing middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("scope registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		if route != nil {
			return opts.Proxy.Handle(c, route)
		}
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return renderScopeUnmapped(c, opts.Logger, "", opts.ListenPort)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host/Host:port 查找 ScopeRoute。
// 已映射的 Host 上所有路径（包括 /-/ 开头的）都交给 fetch 处理；
// 诊断接口只在未映射到任何 scope 的 Host 上提供。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			if isDiagnosticsPath(string(c.Request().URI().Path())) {
				return c.Next()
			}
			return renderScopeUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderScopeUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "scope_lookup",
		"host":   host,
		"port":   port,
	}).Warn("scope unmapped")

	if host != "" {
		c.Set("X-Offline-Hub-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "scope_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*ScopeRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*ScopeRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}
