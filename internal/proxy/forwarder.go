package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tronexi/offline-hub/internal/logging"
	"github.com/tronexi/offline-hub/internal/server"
)

// Forwarder 包裹 fetch handler：handler 缺失或 panic 时返回结构化 500 并记录 scope 信息。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求都返回 fetch_handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logFetchError(route, "fetch_handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "fetch_handler_missing"})
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.ScopeRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.ScopeRoute, recovered interface{}, requestID string) error {
	f.logFetchError(route, "fetch_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "fetch_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logFetchError(route *server.ScopeRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "fetch"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("fetch handler unavailable")
}

func routeFields(route *server.ScopeRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{
			"scope":     "",
			"domain":    "",
			"cache_hit": false,
		}
	}

	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		"",
		route.Config.CacheName,
		false,
	)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
