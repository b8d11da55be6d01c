package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/costa-library/offline-edge/internal/server"
	"github.com/costa-library/offline-edge/internal/version"
)

const statusTimeout = 5 * time.Second

// RegisterStatusRoutes 暴露 /-/status 与 /-/metrics 诊断接口。
func RegisterStatusRoutes(app *fiber.App, registration *server.Registration, gatherer prometheus.Gatherer) {
	if app == nil || registration == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		return c.JSON(buildStatus(ctx, registration))
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

type statusPayload struct {
	Version string   `json:"version"`
	State   string   `json:"state"`
	Bucket  string   `json:"bucket"`
	Entries int      `json:"entries"`
	Buckets []string `json:"buckets"`
	Error   string   `json:"error,omitempty"`
}

func buildStatus(ctx context.Context, registration *server.Registration) statusPayload {
	payload := statusPayload{
		Version: version.Full(),
		State:   "unregistered",
		Buckets: []string{},
	}

	if names, err := registration.Storage().Keys(ctx); err == nil {
		payload.Buckets = names
	} else {
		payload.Error = err.Error()
	}

	ctrl := registration.Active()
	if ctrl == nil {
		return payload
	}
	payload.State = ctrl.State().String()
	payload.Bucket = ctrl.CacheName()
	if n, err := ctrl.Entries(ctx); err == nil {
		payload.Entries = n
	} else if payload.Error == "" {
		payload.Error = err.Error()
	}
	return payload
}
