package app

import (
	"time"

	"retail-hub/internal/admin"
	"retail-hub/internal/audit"
	"retail-hub/internal/auth"
	"retail-hub/internal/httpx"
	"retail-hub/internal/ingest"
	"retail-hub/internal/ledger"
	"retail-hub/internal/logger"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"
	"retail-hub/internal/syncer"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// HTTP builds the fiber application with every route mounted.
func (a *App) HTTP() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "retail-hub",
		ErrorHandler: httpx.ErrorHandler(a.Log),
		BodyLimit:    16 * 1024 * 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})

	app.Use(requestid.New())
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: a.Config.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))
	app.Use(logger.AccessLog(a.Log))
	app.Use(a.Metrics.Middleware())

	app.Get("/healthz", a.healthz)
	app.Get("/metrics", a.Metrics.Handler())

	api := app.Group("/api/v1")
	a.branchRoutes(api)
	a.adminRoutes(api.Group("/admin"))
	return app
}

func (a *App) healthz(c *fiber.Ctx) error {
	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "database": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// branchRoutes is the surface branch nodes call with their API key. The key
// check is attached per route: a group Use on /api/v1 would also catch /admin.
func (a *App) branchRoutes(api fiber.Router) {
	key := auth.BranchAPIKey(a.DB)

	api.Post("/transactions", key, ingest.SubmitHandler(a.Pipeline))
	api.Post("/transactions/bulk", key, ingest.SubmitBulkHandler(a.Pipeline))

	// static segments before :productId
	api.Get("/inventory", key, ledger.ListStockHandler(a.Ledger))
	api.Post("/inventory/movements", key, ledger.RecordMovementHandler(a.Ledger))
	api.Post("/inventory/movements/bulk", key, ledger.BulkMovementHandler(a.Ledger))
	api.Get("/inventory/movements", key, ledger.ListMovementsHandler(a.Ledger))
	api.Get("/inventory/:productId", key, ledger.GetStockHandler(a.Ledger))
	api.Post("/inventory/:productId/adjust", key, ledger.AdjustHandler(a.Ledger))

	api.Post("/sync/request", key, syncer.RequestHandler(a.Orchestrator))
	api.Get("/sync/status", key, syncer.StatusHandler(a.Orchestrator))
	api.Get("/sync/logs/:id", key, synclog.BranchGetHandler(a.SyncLogs))
	api.Post("/sync/ping", key, syncer.PingHandler(a.Orchestrator))
	api.Post("/sync/health", key, syncer.HealthHandler(a.Orchestrator))
}

func (a *App) adminRoutes(r fiber.Router) {
	secret := a.Config.JWTSecret

	r.Post("/auth/register", auth.RegisterSuperAdminHandler(a.DB))
	r.Post("/auth/login", auth.LoginHandler(a.DB, secret))

	protected := r.Group("", auth.JWTMiddleware(secret))
	protected.Get("/auth/me", auth.MeHandler(a.DB))

	// operators and super admins
	ops := protected.Group("", auth.RequireRole(models.RoleSuperAdmin, models.RoleOperator))
	ops.Post("/sync/push", syncer.AdminPushHandler(a.Orchestrator))
	ops.Get("/sync/logs", synclog.AdminListHandler(a.SyncLogs))
	ops.Get("/sync/logs/:id", synclog.AdminGetHandler(a.SyncLogs))
	ops.Post("/branches/:id/retry-failed", syncer.AdminRetryHandler(a.Orchestrator))
	ops.Get("/branches/:id/status", syncer.AdminStatusHandler(a.Orchestrator))
	ops.Get("/branches/:id/inventory", admin.BranchInventoryHandler(a.DB, a.Ledger))
	ops.Get("/inventory/verify", admin.VerifyLedgerHandler(a.Ledger))
	ops.Get("/branches", admin.ListBranchesHandler(a.DB))
	ops.Get("/branches/:id", admin.GetBranchHandler(a.DB))
	ops.Get("/products", admin.ListProductsHandler(a.DB))

	// super admins only
	super := protected.Group("", auth.RequireRole(models.RoleSuperAdmin))
	super.Post("/users", admin.CreateOperatorHandler(a.DB))
	super.Post("/branches", admin.CreateBranchHandler(a.DB, a.Log))
	super.Put("/branches/:id", admin.UpdateBranchHandler(a.DB))
	super.Post("/branches/:id/deactivate", admin.DeactivateBranchHandler(a.DB))
	super.Post("/branches/:id/rotate-key", admin.RotateBranchKeyHandler(a.DB, a.Log))
	super.Put("/branches/:id/stock/:productId/levels", admin.SetStockLevelsHandler(a.DB, a.Ledger))
	super.Put("/products", admin.UpsertProductHandler(a.DB))
	super.Post("/products/import", admin.ImportProductsHandler(a.DB))
	super.Post("/products/:id/deactivate", admin.DeactivateProductHandler(a.DB, a.Resolver))
	super.Get("/audit-logs", audit.ListAuditLogsHandler(a.DB))
}
