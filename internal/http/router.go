// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fleetswap/internal/http/handlers"
	"fleetswap/internal/http/middleware"
	"fleetswap/internal/infra"
)

type RouterDeps struct {
	Swaps    handlers.SwapService
	Audit    handlers.AuditReader
	Trips    handlers.TripSessions
	Verifier infra.TokenVerifier
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	swaps := handlers.NewSwapHandler(d.Swaps, d.Audit)
	api := r.Group("/api", middleware.Auth(d.Verifier))
	api.POST("/swaps", swaps.Create)
	api.POST("/swaps/validate", swaps.Validate)
	api.GET("/swaps/:id", swaps.Get)
	api.POST("/swaps/:id/accept", swaps.Accept)
	api.POST("/swaps/:id/reject", swaps.Reject)
	api.POST("/swaps/:id/cancel", swaps.Cancel)
	api.POST("/swaps/:id/end", swaps.End)
	api.GET("/swaps/:id/audit", middleware.RequireRole("admin"), swaps.Audit)
	api.GET("/drivers/:id/swaps", swaps.ListForDriver)

	if d.Trips != nil {
		trips := handlers.NewTripHandler(d.Trips)
		api.POST("/vehicles/:id/trips", trips.Start)
		api.POST("/vehicles/:id/trips/heartbeat", trips.Heartbeat)
		api.POST("/vehicles/:id/trips/end", trips.End)
	}

	internal := r.Group("/internal", middleware.Auth(d.Verifier), middleware.RequireRole("admin", "system"))
	internal.POST("/sweep", swaps.Sweep)

	return r
}
