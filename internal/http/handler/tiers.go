package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/history"
	mw "github.com/edirooss/compilebroker/internal/http/middleware"
	"github.com/edirooss/compilebroker/pkg/jsonx"
)

// TiersHandler serves queue inspection, statistics and pool control.
//
// Supported operations:
//   - GET  /api/stats                 → broker statistics
//   - GET  /api/queues                → queue stats of every tier
//   - GET  /api/queues/:tier          → queued requests of one tier
//   - GET  /api/history/:tier?lines=N → recent compile events
//   - PUT  /api/tiers/:tier/limits    → resize a worker pool
//   - POST /api/pause, /api/resume    → coordinated pause
type TiersHandler struct {
	log     *zap.Logger
	b       *broker.Broker
	history *history.Manager

	pauseTimeout time.Duration
}

func NewTiersHandler(log *zap.Logger, b *broker.Broker, hist *history.Manager, pauseTimeout time.Duration) *TiersHandler {
	return &TiersHandler{
		log:          log.Named("tiers"),
		b:            b,
		history:      hist,
		pauseTimeout: pauseTimeout,
	}
}

func (h *TiersHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.Stats())
}

func (h *TiersHandler) Queues(c *gin.Context) {
	st := h.b.Stats()
	out := make([]broker.QueueStats, 0, len(st.Tiers))
	for _, t := range st.Tiers {
		if t.Queue.Tier == "" {
			continue // tier not configured
		}
		out = append(out, t.Queue)
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

func (h *TiersHandler) Queue(c *gin.Context) {
	reqs, ok := h.b.QueueSnapshot(mw.GetTier(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "tier not configured"})
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(reqs)))
	c.JSON(http.StatusOK, reqs)
}

func (h *TiersHandler) History(c *gin.Context) {
	n := 100
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be a non-negative integer"})
			return
		}
		n = v
	}
	evs := h.history.Recent(mw.GetTier(c).String(), n)
	if evs == nil {
		evs = []broker.CompileEvent{}
	}
	c.Header("X-Total-Count", strconv.Itoa(h.history.Count(mw.GetTier(c).String())))
	c.JSON(http.StatusOK, evs)
}

type limitsRequest struct {
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`
}

func (h *TiersHandler) UpdateLimits(c *gin.Context) {
	var req limitsRequest
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	tier := mw.GetTier(c)
	if err := h.b.UpdateLimits(tier, req.MinWorkers, req.MaxWorkers); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, broker.ErrTierDisabled) {
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	h.log.Info("limits updated", zap.Stringer("tier", tier),
		zap.Int("min", req.MinWorkers), zap.Int("max", req.MaxWorkers))
	c.Status(http.StatusNoContent)
}

// Pause handles POST /api/pause. It returns once no worker runs compiler
// code outside a safe point. On timeout the pause is rolled back and the
// response is 504.
func (h *TiersHandler) Pause(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.pauseTimeout)
	defer cancel()
	if err := h.b.Pause(ctx); err != nil {
		h.b.Resume()
		h.log.Warn("pause timed out, compilation resumed", zap.Duration("timeout", h.pauseTimeout), zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"message": err.Error(), "paused": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *TiersHandler) Resume(c *gin.Context) {
	h.b.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
