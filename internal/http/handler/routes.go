package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/history"
	mw "github.com/edirooss/compilebroker/internal/http/middleware"
	"github.com/edirooss/compilebroker/internal/methods"
)

// Deps are the collaborators served over HTTP.
type Deps struct {
	Broker    *broker.Broker
	Store     *methods.Store
	CodeCache broker.CodeCache
	History   *history.Manager
	// NumTiers bounds the :tier path param.
	NumTiers int
	// MaxCompileRequests caps concurrent /api/compile calls.
	MaxCompileRequests int
	// PauseTimeout bounds POST /api/pause.
	PauseTimeout time.Duration
}

// Mount registers every API route on r.
func Mount(r gin.IRouter, log *zap.Logger, d Deps) {
	if d.MaxCompileRequests <= 0 {
		d.MaxCompileRequests = 256
	}
	if d.PauseTimeout <= 0 {
		d.PauseTimeout = 10 * time.Second
	}

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	{
		compilehndlr := NewCompileHandler(log, d.Broker)
		r.POST("/api/compile", mw.LimitConcurrent(d.MaxCompileRequests), compilehndlr.Compile)
	}

	{
		tiershndlr := NewTiersHandler(log, d.Broker, d.History, d.PauseTimeout)
		requireTier := mw.RequireValidTier(d.NumTiers)

		r.GET("/api/stats", tiershndlr.Stats)
		r.GET("/api/queues", tiershndlr.Queues)
		r.GET("/api/queues/:tier", requireTier, tiershndlr.Queue)
		r.GET("/api/history/:tier", requireTier, tiershndlr.History)
		r.PUT("/api/tiers/:tier/limits", requireTier, tiershndlr.UpdateLimits)
		r.POST("/api/pause", tiershndlr.Pause)
		r.POST("/api/resume", tiershndlr.Resume)
	}

	{
		methodshndlr := NewMethodsHandler(log, d.Store, d.Broker, d.CodeCache)
		r.GET("/api/stats/methods", methodshndlr.Stats)
		r.GET("/api/methods", methodshndlr.List)
		r.POST("/api/methods", methodshndlr.Register)
		r.GET("/api/methods/:id", methodshndlr.Get)
		r.DELETE("/api/methods/:id", methodshndlr.Delete)
		r.POST("/api/methods/:id/invalidate", methodshndlr.Invalidate)
	}
}
