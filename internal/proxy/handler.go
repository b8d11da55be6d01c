package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/costa-library/offline-edge/internal/logging"
	"github.com/costa-library/offline-edge/internal/server"
	"github.com/costa-library/offline-edge/internal/worker"
)

// Response headers describing how the edge answered.
const (
	HeaderSource = "X-Offline-Edge-Source"
	HeaderBucket = "X-Offline-Edge-Bucket"
)

// ControllerSource yields the controller currently in charge, or nil.
type ControllerSource interface {
	Active() *worker.Controller
}

// Handler 把 Fiber 请求转换为 *http.Request 交给当前控制器；没有控制器或请求
// 被排除时直接透传到网络。
type Handler struct {
	controllers ControllerSource
	network     worker.Fetcher
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler. network performs pass-through
// requests and must be the same fetcher the controllers use.
func NewHandler(controllers ControllerSource, network worker.Fetcher, logger *logrus.Logger) *Handler {
	return &Handler{
		controllers: controllers,
		network:     network,
		logger:      logger,
	}
}

// Handle implements server.ProxyHandler.
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c)
	if err != nil {
		h.logResult(c, "", "", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	var (
		resp   *http.Response
		source = worker.SourceBypass
		bucket string
	)
	if ctrl := h.controllers.Active(); ctrl != nil {
		bucket = ctrl.CacheName()
		resp, source = ctrl.Fetch(ctx, req)
	}
	if resp == nil {
		resp, err = h.network.Fetch(ctx, req)
		if err != nil {
			h.logResult(c, bucket, source, requestID, 0, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(source))
	if bucket != "" {
		c.Set(HeaderBucket, bucket)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, bucket, source, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, bucket, source, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	bucket string,
	source worker.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(bucket, string(source), c.Method(), c.Hostname(), c.Path())
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
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

// buildRequest 还原客户端看到的绝对 URL：协议优先取 X-Forwarded-Proto，
// Host 取请求头，路径与查询串保持原样。
func buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	scheme := strings.ToLower(strings.TrimSpace(c.Get("X-Forwarded-Proto")))
	if i := strings.IndexByte(scheme, ','); i >= 0 {
		scheme = strings.TrimSpace(scheme[:i])
	}
	if scheme == "" {
		scheme = c.Protocol()
	}

	host := string(c.Request().Header.Host())
	if host == "" {
		host = c.Hostname()
	}

	target, err := url.ParseRequestURI(string(c.Request().Header.RequestURI()))
	if err != nil {
		return nil, err
	}
	target.Scheme = scheme
	target.Host = host

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.Add(string(key), string(value))
	})
	req.Header.Del("Host")
	req.Host = host
	return req, nil
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
