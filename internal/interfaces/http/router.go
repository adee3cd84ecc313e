package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/fiscal-sri/pkg/jwt"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Fiscal    *FiscalHandler
	JWTSecret string
}

// Router registra las rutas de operación.
func Router(app *fiber.App, deps RouterDeps) {
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	// Rutas protegidas (requieren Bearer Token)
	api := app.Group("/api", AuthMiddleware(deps.JWTSecret))
	writers := RequireRole(jwt.RoleAdmin, jwt.RoleOperator)

	docs := api.Group("/documents")
	docs.Get("/:key", deps.Fiscal.Status)
	docs.Get("/:key/messages", deps.Fiscal.Messages)
	docs.Get("/:key/ride", deps.Fiscal.RIDE)
	docs.Post("/:key/requeue", writers, deps.Fiscal.Requeue)

	sales := api.Group("/sales")
	sales.Post("/:id/issue", writers, deps.Fiscal.Issue)
}
