// Package api exposes the engine over HTTP: status, runner health,
// subscription control, account queries, kill switch control and
// backtest/optimization jobs.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"quantcore/internal/engine"
	"quantcore/internal/events"
)

// Server wires HTTP endpoints around the engine facade.
type Server struct {
	Router *gin.Engine
	Engine *engine.Engine
	Bus    *events.Bus
}

func NewServer(eng *engine.Engine, bus *events.Bus) *Server {
	r := gin.New()

	// Middleware order matters: recovery first, CORS last before routes.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(newIPRateLimiter(rate.Limit(20), 50)))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, Engine: eng, Bus: bus}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/engine/status", s.getStatus)
		api.GET("/runners", s.getRunners)

		api.POST("/subscriptions", s.startSubscription)
		api.DELETE("/subscriptions/:id", s.stopSubscription)

		api.GET("/accounts/:account/positions", s.getPositions)
		api.GET("/accounts/:account/orders", s.getOrders)
		api.GET("/accounts/:account/trades", s.getTrades)
		api.GET("/accounts/:account/roundtrips", s.getRoundTrips)

		api.GET("/killswitch", s.getKillSwitch)
		api.POST("/killswitch/trip", s.tripKillSwitch)
		api.POST("/killswitch/reset", s.resetKillSwitch)

		api.POST("/backtests", s.submitBacktest)
		api.GET("/backtests", s.listRuns)
		api.GET("/backtests/:id", s.getRun)

		api.POST("/optimizations", s.submitOptimization)
		api.GET("/optimizations/:id", s.getRun)
	}
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
