package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tronexi/offline-hub/internal/logging"
	"github.com/tronexi/offline-hub/internal/server"
	"github.com/tronexi/offline-hub/internal/worker"
)

// Handler 把 Fiber 请求转换为 fetch 事件：交给 scope 当前的控制者处理，
// 没有控制者时直接回源。对外暴露 server.ProxyHandler。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	workers *worker.Registry
}

// NewHandler constructs a fetch dispatcher with the shared origin client and registry.
func NewHandler(client *http.Client, logger *logrus.Logger, workers *worker.Registry) *Handler {
	return &Handler{
		client:  client,
		logger:  logger,
		workers: workers,
	}
}

// fetchOutcome 汇总一次 fetch 事件的日志字段。
type fetchOutcome struct {
	origin    string
	version   string
	status    int
	cacheHit  bool
	requestID string
	started   time.Time
}

// Handle 分发 fetch 事件并把结果原样写回客户端，网络失败时返回 502。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	outcome := fetchOutcome{
		requestID: server.RequestID(c),
		started:   time.Now(),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	originURL := resolveOriginURL(route.OriginURL, c)
	outcome.origin = originURL.String()

	req, err := h.buildOriginRequest(ctx, c, originURL, route)
	if err != nil {
		h.logResult(route, outcome, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	var resp *worker.Response
	if controller := h.controller(route); controller != nil {
		outcome.version = controller.Version()
		resp, err = controller.Fetch(ctx, req)
	} else {
		resp, err = h.passThrough(req)
	}
	if err != nil {
		h.logResult(route, outcome, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	outcome.status = resp.Status
	outcome.cacheHit = resp.FromCache
	err = h.writeResponse(c, resp, outcome)
	h.logResult(route, outcome, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("stream response failed: %v", err))
	}
	return nil
}

func (h *Handler) controller(route *server.ScopeRoute) worker.Handlers {
	reg, ok := h.workers.Get(route.Config.Name)
	if !ok {
		return nil
	}
	return reg.Controller()
}

// passThrough 用于 scope 尚无激活版本的情况：请求直接交给网络，结果不缓存。
func (h *Handler) passThrough(req *http.Request) (*worker.Response, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network fetch %s: %w", req.URL, err)
	}
	return &worker.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
	}, nil
}

func (h *Handler) buildOriginRequest(
	ctx context.Context,
	c fiber.Ctx,
	origin *url.URL,
	route *server.ScopeRoute,
) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytesReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), origin.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = origin.Host
	req.Header.Set("Host", origin.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *worker.Response, outcome fetchOutcome) error {
	copyResponseHeaders(c, resp.Header)
	if resp.Header.Get("Content-Type") == "" {
		c.Response().Header.Del("Content-Type")
	}
	c.Set("X-Offline-Hub-Origin", outcome.origin)
	c.Set("X-Offline-Hub-Cache-Hit", strconv.FormatBool(resp.FromCache))
	if outcome.version != "" {
		c.Set("X-Offline-Hub-Version", outcome.version)
	}
	if outcome.requestID != "" {
		c.Set("X-Request-ID", outcome.requestID)
	}
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	return err
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(route *server.ScopeRoute, outcome fetchOutcome, err error) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		outcome.version,
		route.Config.CacheName,
		outcome.cacheHit,
	)
	fields["action"] = "fetch"
	fields["origin"] = outcome.origin
	fields["origin_status"] = outcome.status
	fields["elapsed_ms"] = time.Since(outcome.started).Milliseconds()
	if outcome.requestID != "" {
		fields["request_id"] = outcome.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		level := logrus.ErrorLevel
		if errors.Is(err, context.Canceled) {
			level = logrus.WarnLevel
		}
		h.logger.WithFields(fields).Log(level, "fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

// resolveOriginURL 把请求路径与原始查询串拼接到 scope 的 Origin 上。
// 路径取自请求行的原始形式，%2F 等转义与 install 时的缓存键保持一致。
func resolveOriginURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	raw := requestPath(c)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	relative := &url.URL{Path: decoded, RawPath: raw}
	if rawQuery := uri.QueryString(); len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	return base.ResolveReference(relative)
}

func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.PathOriginal())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		// Content-Length 由 fasthttp 按实际写入的 body 计算。
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.ScopeRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
