package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/methods"
	"github.com/edirooss/compilebroker/pkg/jsonx"
)

// MethodsHandler manages the in-memory method table.
//
// Supported operations:
//   - GET    /api/methods                → list methods
//   - GET    /api/stats/methods          → table size and memory footprint
//   - POST   /api/methods                → register (or update) a method
//   - GET    /api/methods/:id            → one method with its installed code
//   - DELETE /api/methods/:id            → invalidate and unregister
//   - POST   /api/methods/:id/invalidate → redefinition hook
type MethodsHandler struct {
	log   *zap.Logger
	store *methods.Store
	b     *broker.Broker
	cache broker.CodeCache
}

func NewMethodsHandler(log *zap.Logger, store *methods.Store, b *broker.Broker, cache broker.CodeCache) *MethodsHandler {
	return &MethodsHandler{log: log.Named("methods"), store: store, b: b, cache: cache}
}

type methodView struct {
	ID                broker.MethodID `json:"id"`
	CodeSize          int             `json:"code_size"`
	Abstract          bool            `json:"abstract"`
	Native            bool            `json:"native"`
	HolderInitialized bool            `json:"holder_initialized"`
}

func viewMethod(m broker.MethodInfo) methodView {
	return methodView{
		ID:                m.ID,
		CodeSize:          m.CodeSize,
		Abstract:          m.Abstract,
		Native:            m.Native,
		HolderInitialized: m.HolderInitialized,
	}
}

func (h *MethodsHandler) List(c *gin.Context) {
	all := h.store.List()
	out := make([]methodView, len(all))
	for i, m := range all {
		out[i] = viewMethod(m)
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

func (h *MethodsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.store.Len(), "footprint_bytes": h.store.Footprint()})
}

// Register handles POST /api/methods.
//
// Status Codes:
//   - 201 Created → new method
//   - 200 OK      → existing method updated
//   - 400 Bad Request / 422 Unprocessable Entity
func (h *MethodsHandler) Register(c *gin.Context) {
	var req methodView
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	created, err := h.store.Register(broker.MethodInfo{
		ID:                req.ID,
		CodeSize:          req.CodeSize,
		Abstract:          req.Abstract,
		Native:            req.Native,
		HolderInitialized: req.HolderInitialized,
	})
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Header("Location", "/api/methods/"+string(req.ID))
	}
	c.JSON(status, req)
}

func (h *MethodsHandler) Get(c *gin.Context) {
	id := broker.MethodID(c.Param("id"))
	info, ok := h.store.Describe(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "method not found"})
		return
	}
	arts := h.store.Artifacts(id)
	installed := make([]artifactView, len(arts))
	for i, a := range arts {
		installed[i] = viewArtifact(a)
	}
	c.JSON(http.StatusOK, gin.H{"method": viewMethod(info), "installed": installed})
}

func (h *MethodsHandler) Invalidate(c *gin.Context) {
	id := broker.MethodID(c.Param("id"))
	if _, ok := h.store.Describe(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "method not found"})
		return
	}
	c.JSON(http.StatusOK, h.b.Invalidate(id))
}

// Delete invalidates the method in the broker before dropping it, so no
// queued or running request outlives it.
func (h *MethodsHandler) Delete(c *gin.Context) {
	id := broker.MethodID(c.Param("id"))
	if _, ok := h.store.Describe(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "method not found"})
		return
	}
	h.b.Invalidate(id)
	for _, a := range h.store.Unregister(id) {
		h.cache.Free(a.Size)
	}
	c.Status(http.StatusNoContent)
}
