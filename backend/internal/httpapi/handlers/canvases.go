package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/httpapi/middleware"
	"canvasCollab/backend/internal/store"
)

// 单个画布上传上限
const maxCanvasBytes = 32 << 20

type CanvasRepo interface {
	Put(ctx context.Context, canvasID, ownerID string, data []byte) error
	Get(ctx context.Context, canvasID string) (*store.Canvas, error)
}

type Canvases struct {
	repo CanvasRepo
	log  zerolog.Logger
}

func NewCanvases(repo CanvasRepo, log zerolog.Logger) *Canvases {
	return &Canvases{repo: repo, log: log}
}

func (h *Canvases) Register(g gin.IRoutes) {
	g.PUT("/canvases/:canvasId", h.PutCanvas)
	g.GET("/canvases/:canvasId", h.GetCanvas)
}

func (h *Canvases) PutCanvas(c *gin.Context) {
	canvasID := c.Param("canvasId")
	if canvasID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "canvas id missing"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCanvasBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "read body failed"})
		return
	}
	if len(body) > maxCanvasBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": "TOO_LARGE", "message": "canvas too large"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "canvas must be json"})
		return
	}

	ownerID := c.GetString(middleware.CtxUserID)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.repo.Put(ctx, canvasID, ownerID, body); err != nil {
		h.log.Error().Err(err).Str("canvasId", canvasID).Msg("save canvas failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "save canvas failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canvasId": canvasID, "bytes": len(body), "savedAt": time.Now().Format(time.RFC3339)})
}

func (h *Canvases) GetCanvas(c *gin.Context) {
	canvasID := c.Param("canvasId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	canvas, err := h.repo.Get(ctx, canvasID)
	if errors.Is(err, store.ErrCanvasNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "canvas not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("canvasId", canvasID).Msg("load canvas failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load canvas failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", canvas.Data)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
