package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/kp-pos/shellcache/internal/agent"
	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/metrics"
	"github.com/kp-pos/shellcache/internal/server"
)

// RegisterStatusRoutes 暴露 /-/ 诊断接口：运行状态、缓存桶内容、指标与手动更新。
func RegisterStatusRoutes(app *fiber.App, rt *agent.Runtime, logger *logrus.Logger) {
	if app == nil || rt == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := rt.Snapshot(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Get("/-/buckets/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bucket_name_required"})
		}
		ctx := c.Context()
		// Lookup 不会创建桶，诊断请求不应留下空桶
		bucket, err := rt.Storage().Lookup(ctx, name)
		if err != nil {
			if errors.Is(err, cache.ErrBucketNotFound) || errors.Is(err, cache.ErrInvalidBucketName) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bucket_not_found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_unavailable"})
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_unavailable"})
		}
		return c.JSON(fiber.Map{"name": name, "keys": keys})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Post("/-/update", func(c fiber.Ctx) error {
		w, err := rt.Update(c.Context())
		return respondLifecycle(c, logger, "manual_update", w, err)
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		w, err := rt.ActivateWaiting(c.Context())
		if err == nil && w == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_waiting_version"})
		}
		return respondLifecycle(c, logger, "manual_activate", w, err)
	})
}

func respondLifecycle(c fiber.Ctx, logger *logrus.Logger, action string, w *agent.Worker, err error) error {
	fields := logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	}
	switch {
	case errors.Is(err, agent.ErrNoController):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_version"})
	case err != nil && w == nil:
		if logger != nil {
			logger.WithFields(fields).WithError(err).Warn("lifecycle_failed")
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "install_failed"})
	case err != nil:
		// 激活阶段出错时新版本仍然接管请求
		if logger != nil {
			logger.WithFields(fields).WithError(err).Warn("lifecycle_partial")
		}
		return c.JSON(fiber.Map{"version": w.Info(), "warning": err.Error()})
	}
	if logger != nil {
		logger.WithFields(fields).Info("lifecycle_complete")
	}
	return c.JSON(fiber.Map{"version": w.Info()})
}
