// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scrapdispatch/internal/http/handlers"
	"scrapdispatch/internal/http/middleware"
	"scrapdispatch/internal/modules/dispatch"
)

func NewRouter(dispatchService *dispatch.Service) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	h := handlers.NewDispatchHandler(dispatchService)
	g := r.Group("/api/dispatch/sessions")
	g.POST("", h.Open)
	g.GET("/:id", h.Get)
	g.GET("/:id/yards", h.Yards)
	g.PUT("/:id/yard", h.SelectYard)
	g.POST("/:id/collectors/:collector_id/toggle", h.ToggleCollector)
	g.PUT("/:id/crew", h.SelectCrew)
	g.PUT("/:id/schedule", h.SetSchedule)
	g.PUT("/:id/notes", h.SetNotes)
	g.POST("/:id/next", h.Next)
	g.POST("/:id/back", h.Back)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/confirm", h.Confirm)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
