package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kp-pos/shellcache/internal/agent"
	"github.com/kp-pos/shellcache/internal/logging"
	"github.com/kp-pos/shellcache/internal/metrics"
	"github.com/kp-pos/shellcache/internal/server"
	"github.com/kp-pos/shellcache/internal/upstream"
)

// 响应头 X-Shell-Cache 的取值。
const (
	HeaderSource   = "X-Shell-Cache"
	HeaderStoredAt = "X-Shell-Cache-Stored-At"
	SourceBypass   = "bypass"
	sourceMiss     = "miss"
	sourceError    = "error"
)

// Handler 把进入的请求转换为 Agent 的 fetch 事件：GET 走网络优先 + 缓存回落，
// 其余方法以及 Agent 未处理的请求直接转发到源站。
type Handler struct {
	runtime *agent.Runtime
	client  *upstream.Client
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the agent runtime and the shared upstream client.
func NewHandler(rt *agent.Runtime, client *upstream.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		runtime: rt,
		client:  client,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logResult(c, requestID, sourceError, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if req.Method != http.MethodGet {
		return h.bypass(c, req, requestID, started)
	}

	res, err := h.runtime.Fetch(ctx, req)
	switch {
	case err == nil:
		return h.respond(c, res, req.URL.String(), requestID, started)
	case errors.Is(err, agent.ErrPassThrough), errors.Is(err, agent.ErrNoController):
		return h.bypass(c, req, requestID, started)
	case errors.Is(err, agent.ErrNotCached):
		h.logResult(c, requestID, sourceMiss, req.URL.String(), fiber.StatusGatewayTimeout, started, err)
		c.Set(HeaderSource, sourceMiss)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_cache_miss")
	default:
		h.logResult(c, requestID, sourceError, req.URL.String(), 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "agent_failed")
	}
}

// bypass 把请求原样转发到源站，不读写缓存桶。
func (h *Handler) bypass(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	resp, err := h.client.Fetch(req.Context(), req)
	if err != nil {
		h.logResult(c, requestID, SourceBypass, req.URL.String(), 0, started, err)
		c.Set(HeaderSource, SourceBypass)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.respond(c, &agent.FetchResult{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
		Source: agent.Source(SourceBypass),
	}, req.URL.String(), requestID, started)
}

func (h *Handler) respond(c fiber.Ctx, res *agent.FetchResult, target, requestID string, started time.Time) error {
	defer res.Body.Close()

	copyResponseHeaders(c, res.Header)
	c.Set(HeaderSource, string(res.Source))
	if !res.StoredAt.IsZero() {
		c.Set(HeaderStoredAt, res.StoredAt.UTC().Format(time.RFC3339))
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(res.Status)

	if c.Method() == http.MethodHead {
		h.logResult(c, requestID, string(res.Source), target, res.Status, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), res.Body)
	h.logResult(c, requestID, string(res.Source), target, res.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以源站根地址为作用域解析请求路径，使缓存键与应用外壳清单一致。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	base := h.client.Base()
	if base == nil {
		return nil, errors.New("upstream base not configured")
	}
	target := base.ResolveReference(&url.URL{
		Path:     "./" + strings.TrimPrefix(requestPath(c), "/"),
		RawQuery: string(c.Request().URI().QueryString()),
	})

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	requestID string,
	source string,
	target string,
	status int,
	started time.Time,
	err error,
) {
	elapsed := time.Since(started)
	metrics.ObserveFetch(source, elapsed)

	cacheName := ""
	if w := h.runtime.Controller(); w != nil {
		cacheName = w.Config().CacheName
	}
	fields := logging.RequestFields(c.Method(), requestPath(c), cacheName, source)
	fields["action"] = "proxy"
	fields["upstream"] = target
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
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
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
