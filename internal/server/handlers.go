package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/resolver"
)

type handlers struct {
	opts AppOptions
}

type prefetchRequest struct {
	Keys []string `json:"keys"`
}

type prefetchResponse struct {
	Warmed int    `json:"warmed"`
	Failed int    `json:"failed"`
	Error  string `json:"error,omitempty"`
}

func (h *handlers) getArtifact(c fiber.Ctx) error {
	key := queryKey(c)
	ctx := c.Context()

	res, err := h.opts.Service.Resolve(ctx, key).Await(ctx)
	if err != nil {
		return h.renderResolveError(c, key, err)
	}

	body, err := h.opts.Codec.Encode(res.Artifact)
	if err != nil {
		h.logger(c).WithError(err).WithField("key", key).Error("artifact_encode_failed")
		return renderError(c, fiber.StatusInternalServerError, "encode_failed")
	}

	h.logger(c).WithFields(logging.ResolveFields(key, res.Source.String(), res.Shared)).Info("artifact_resolved")
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(headerSource, res.Source.String())
	c.Set(headerShared, strconv.FormatBool(res.Shared))
	return c.Send(body)
}

func (h *handlers) putArtifact(c fiber.Ctx) error {
	key := queryKey(c)
	if key == "" {
		return renderError(c, fiber.StatusBadRequest, "key_required")
	}

	a, err := h.opts.Codec.Decode(key, c.Body())
	if err != nil {
		h.logger(c).WithError(err).WithField("key", key).Warn("artifact_decode_failed")
		return renderError(c, fiber.StatusBadRequest, "decode_failed")
	}
	if err := h.opts.Service.Store(c.Context(), key, a); err != nil {
		return h.renderResolveError(c, key, err)
	}
	h.logger(c).WithField("key", key).Info("artifact_stored")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) prefetch(c fiber.Ctx) error {
	var req prefetchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_body")
	}
	keys := make([]string, 0, len(req.Keys))
	for _, key := range req.Keys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return renderError(c, fiber.StatusBadRequest, "keys_required")
	}
	if len(keys) > h.opts.MaxBatch {
		return renderError(c, fiber.StatusRequestEntityTooLarge, "too_many_keys")
	}

	warmed, err := h.opts.Service.Prefetch(c.Context(), keys...)
	resp := prefetchResponse{Warmed: warmed, Failed: len(keys) - warmed}
	fields := logrus.Fields{"action": "prefetch", "keys": len(keys), "warmed": warmed}
	if err != nil {
		resp.Error = err.Error()
		h.logger(c).WithError(err).WithFields(fields).Warn("prefetch_partial")
		status := fiber.StatusOK
		if warmed == 0 {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(resp)
	}
	h.logger(c).WithFields(fields).Info("prefetch_done")
	return c.JSON(resp)
}

// queryKey 返回 key 的独立副本。c.Query 指向 fasthttp 复用的请求缓冲区，
// 而 key 会被内存层、flight 表和后台磁盘写入在请求结束后继续持有。
func queryKey(c fiber.Ctx) string {
	return strings.Clone(strings.TrimSpace(c.Query("key")))
}

func (h *handlers) renderResolveError(c fiber.Ctx, key string, err error) error {
	status, code := classify(err)
	entry := h.logger(c).WithError(err).WithField("key", key)
	if status >= fiber.StatusInternalServerError {
		entry.Warn("artifact_resolve_failed")
	} else {
		entry.Debug("artifact_resolve_rejected")
	}
	return renderError(c, status, code)
}

func (h *handlers) logger(c fiber.Ctx) *logrus.Entry {
	return h.opts.Logger.WithField("request_id", RequestID(c))
}

// classify 把解析错误映射为 HTTP 状态码与错误码。
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, resolver.ErrEmptyKey):
		return fiber.StatusBadRequest, "key_required"
	case errors.Is(err, resolver.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, resolver.ErrFetchFailed):
		return fiber.StatusBadGateway, "fetch_failed"
	case errors.Is(err, resolver.ErrClosed):
		return fiber.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout, "timeout"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}
