package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/pipeline"
	"github.com/any-hub/tiercache/internal/resolver"
)

// ArtifactService describes the resolver operations the HTTP API needs. It
// allows injecting fakes during tests.
type ArtifactService interface {
	Resolve(ctx context.Context, key string) *pipeline.Future[resolver.Result]
	Store(ctx context.Context, key string, a *artifact.Artifact) error
	Prefetch(ctx context.Context, keys ...string) (int, error)
}

// StatsFunc 返回 /-/stats 的 JSON 负载。
type StatsFunc func() any

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger   *logrus.Logger
	Service  ArtifactService
	Codec    artifact.Codec
	Stats    StatsFunc
	Metrics  http.Handler
	MaxBody  int
	MaxBatch int
}

const (
	contextKeyRequestID = "_tiercache_request_id"

	headerSource = "X-Tiercache-Source"
	headerShared = "X-Tiercache-Shared"

	defaultMaxBatch = 256
)

// NewApp builds a Fiber application with request ID and recover middleware,
// the artifact API and the diagnostics endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Service == nil {
		return nil, errors.New("artifact service is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}

	cfg := fiber.Config{CaseSensitive: true}
	if opts.MaxBody > 0 {
		cfg.BodyLimit = opts.MaxBody
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{opts: opts}
	app.Get("/v1/artifacts", h.getArtifact)
	app.Put("/v1/artifacts", h.putArtifact)
	app.Post("/v1/prefetch", h.prefetch)

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/-/stats", func(c fiber.Ctx) error {
		if opts.Stats == nil {
			return c.JSON(fiber.Map{})
		}
		return c.JSON(opts.Stats())
	})
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	app.Use(func(c fiber.Ctx) error {
		return renderError(c, fiber.StatusNotFound, "route_not_found")
	})
	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.Clone(strings.TrimSpace(c.Get("X-Request-ID")))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
