package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classmesh/signaling/internal/call"
	"github.com/classmesh/signaling/internal/gateway"
	"github.com/classmesh/signaling/internal/middleware"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/videoroom"
	"github.com/classmesh/signaling/pkg/response"
)

// Options carries the wired components the HTTP surface exposes.
type Options struct {
	Gateway        *gateway.Gateway
	Registry       *registry.Registry
	Calls          *call.Coordinator
	Rooms          *videoroom.Coordinator
	AllowedOrigins []string
}

// NewRouter builds the Gin engine, wires middleware and registers the
// WebSocket endpoint plus the observability surface.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway must be provided")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry must be provided")
	}
	if opts.Calls == nil || opts.Rooms == nil {
		return nil, fmt.Errorf("coordinators must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(opts.AllowedOrigins...))

	// The signaling socket; authentication happens in-band after upgrade.
	r.GET("/ws", opts.Gateway.HandleWS)

	registerHealthRoutes(r, opts)
	registerStatsRoutes(r, opts)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": fmt.Sprintf("route %s not found", c.Request.URL.Path),
			},
		})
	})

	return r, nil
}

func registerHealthRoutes(r *gin.Engine, opts Options) {
	r.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{
			"status":      "ok",
			"onlineUsers": opts.Registry.OnlineCount(),
			"sessions":    opts.Registry.SessionCount(),
			"checkedAt":   time.Now().UTC(),
		})
	})
}

func registerStatsRoutes(r *gin.Engine, opts Options) {
	r.GET("/video-rooms/stats", func(c *gin.Context) {
		stats := opts.Rooms.CollectStats()
		response.Success(c, http.StatusOK, gin.H{
			"roomCount":        stats.RoomCount,
			"participantCount": stats.ParticipantCount,
			"perRoom":          stats.PerRoom,
			"activeCalls":      opts.Calls.ActiveCount(),
		})
	})
}
