package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"modelopt/docs"
	"modelopt/internal/auth"
	"modelopt/internal/database"
	"modelopt/internal/http/middleware"
	"modelopt/internal/service"
	"modelopt/internal/storage"
)

const healthTimeout = 2 * time.Second

// Deps are the collaborators RegisterRoutes wires into handlers.
type Deps struct {
	// DB is nil when no database is configured; /health then skips the ping.
	DB       database.Pinger
	Jobs     service.JobService
	Auth     auth.Authenticator
	Gatherer prometheus.Gatherer
	// ServeFiles mounts the same-origin /files endpoint used by the local
	// storage backend in place of presigned URLs.
	ServeFiles     bool
	TempDir        string
	RateLimitRPS   float64
	RateLimitBurst int
	Log            *zap.Logger
}

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	if d.Auth == nil {
		d.Auth = auth.NewJWTVerifier("", "", "")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	authn := middleware.Authenticate(d.Auth)
	required := middleware.RequireIdentity()
	limit := middleware.RateLimit(d.RateLimitRPS, d.RateLimitBurst)

	app.Get("/health", HealthCheck(d.DB))
	app.Get("/healthz", LivenessProbe())
	if d.Gatherer != nil {
		app.Get(middleware.MetricsPath, Metrics(d.Gatherer))
	}

	app.Get("/swagger/*", Swagger())

	app.Post("/uploads", limit, authn, PresignUpload(d.Jobs))
	app.Post("/optimize", limit, authn, Optimize(d.Jobs, d.TempDir, d.Log))

	app.Get("/download/:id", Download(d.Jobs))
	app.Post("/jobs/:id/share", authn, required, ShareJob(d.Jobs))
	app.Delete("/jobs/:id", authn, required, DeleteJob(d.Jobs))

	app.Get("/history", authn, required, ListHistory(d.Jobs))
	app.Delete("/history/:id", authn, required, DeleteHistory(d.Jobs))

	if d.ServeFiles {
		app.Get(storage.FilesRoute+"*", GetFile(d.Jobs))
		app.Put(storage.FilesRoute+"*", PutFile(d.Jobs))
	}
}

// swaggerMu guards the shared docs.SwaggerInfo while a request renders it.
var swaggerMu sync.Mutex

// Swagger serves the API docs with the host and scheme the caller used,
// so requests issued from the UI go back through the same proxy.
func Swagger() fiber.Handler {
	serve := swagger.HandlerDefault
	return func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
		}

		swaggerMu.Lock()
		defer swaggerMu.Unlock()
		docs.SwaggerInfo.Host = c.Get(fiber.HeaderHost)
		docs.SwaggerInfo.Schemes = []string{scheme}
		return serve(c)
	}
}

// HealthCheck pings the database when one is configured.
func HealthCheck(db database.Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe always answers 200 while the process serves requests.
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

// Metrics exposes g in the Prometheus text format.
func Metrics(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
