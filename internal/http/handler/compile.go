package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/pkg/jsonx"
)

// CompileHandler exposes RequestCompilation.
type CompileHandler struct {
	log *zap.Logger
	b   *broker.Broker
}

func NewCompileHandler(log *zap.Logger, b *broker.Broker) *CompileHandler {
	return &CompileHandler{log: log.Named("compile"), b: b}
}

type compileRequest struct {
	Method   string `json:"method"`
	BCI      *int   `json:"bci"` // absent for a standard entry
	Tier     string `json:"tier"`
	HotCount int    `json:"hot_count"`
	Reason   string `json:"reason"`
	Blocking bool   `json:"blocking"`

	// Optional liveness override for blocking calls.
	WaitSlice        string `json:"wait_slice"`
	MaxStalledSlices int    `json:"max_stalled_slices"`
}

type artifactView struct {
	Method    broker.MethodID `json:"method"`
	Tier      string          `json:"tier"`
	BCI       int             `json:"bci"`
	OSR       bool            `json:"osr"`
	CompileID uint64          `json:"compile_id"`
	Size      int64           `json:"size"`
}

func viewArtifact(a *broker.Artifact) artifactView {
	return artifactView{
		Method:    a.Method,
		Tier:      a.Tier.String(),
		BCI:       a.BCI,
		OSR:       a.IsOSR(),
		CompileID: a.CompileID,
		Size:      a.Size,
	}
}

func (r *compileRequest) args() (broker.Args, error) {
	if r.Method == "" {
		return broker.Args{}, errors.New("method is required")
	}
	tier, err := broker.ParseTier(r.Tier)
	if err != nil {
		return broker.Args{}, err
	}
	args := broker.Args{
		Method:   broker.MethodID(r.Method),
		BCI:      broker.InvocationEntryBCI,
		Tier:     tier,
		HotCount: r.HotCount,
		Blocking: r.Blocking,
	}
	if r.BCI != nil {
		if *r.BCI < 0 {
			return broker.Args{}, errors.New("bci must be non-negative")
		}
		args.BCI = *r.BCI
	}
	if r.Reason != "" {
		if args.Reason, err = broker.ParseReason(r.Reason); err != nil {
			return broker.Args{}, err
		}
	}
	if r.WaitSlice != "" {
		slice, err := time.ParseDuration(r.WaitSlice)
		if err != nil {
			return broker.Args{}, err
		}
		args.Wait = &broker.WaitOptions{Slice: slice, MaxStalledSlices: r.MaxStalledSlices}
	}
	return args, nil
}

// Compile handles POST /api/compile.
//
// Status Codes:
//   - 200 OK       → artifact (already installed or compiled by a blocking call)
//   - 202 Accepted → queued (non-blocking) or still compiling (waiter gave up)
//   - 400 Bad Request
//   - 409 / 422 / 503 / 504 → see compileStatus
func (h *CompileHandler) Compile(c *gin.Context) {
	var req compileRequest
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	args, err := req.args()
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return
	}

	a, err := h.b.RequestCompilation(c.Request.Context(), args)
	if err != nil {
		status := compileStatus(err)
		if status == http.StatusAccepted {
			c.JSON(status, gin.H{"status": "compiling", "message": err.Error()})
			return
		}
		fail(c, status, err)
		return
	}
	if a == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}
	c.JSON(http.StatusOK, viewArtifact(a))
}
