package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/stroke-risk/server/cache"
	"github.com/san-kum/stroke-risk/server/metrics"
	"github.com/san-kum/stroke-risk/server/middleware"
	"github.com/san-kum/stroke-risk/server/ml"
	"github.com/san-kum/stroke-risk/server/predictor"
	"go.uber.org/zap"
)

// ModelLoader builds a fresh bundle from wherever the model is configured
// to live (files, registry or the remote scoring service).
type ModelLoader func(ctx context.Context) (*ml.Bundle, error)

type AdminHandler struct {
	service *predictor.Service
	loader  ModelLoader
	cache   cache.Cache
	logger  *zap.Logger
}

func NewAdminHandler(service *predictor.Service, loader ModelLoader, c cache.Cache, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		loader:  loader,
		cache:   c,
		logger:  logger,
	}
}

func (h *AdminHandler) Reload(c *gin.Context) {
	username := ""
	if claims, ok := middleware.ClaimsFrom(c); ok {
		username = claims.Username
	}

	bundle, err := h.loader(c.Request.Context())
	if err != nil {
		metrics.ModelReloads.WithLabelValues("failure").Inc()
		h.logger.Error("Model reload failed", zap.String("requested_by", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Model reload failed: " + err.Error()})
		return
	}

	old := h.service.Swap(c.Request.Context(), bundle)
	previous := ""
	if old != nil {
		previous = old.Version()
		if closer, ok := old.Scorer.(io.Closer); ok {
			closer.Close()
		}
	}
	metrics.ModelReloads.WithLabelValues("success").Inc()
	h.logger.Info("Model reloaded",
		zap.String("requested_by", username),
		zap.String("previous_version", previous),
		zap.String("version", bundle.Version()))

	info, _ := h.service.ModelInfo(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":           "reloaded",
		"previous_version": previous,
		"model":            info,
	})
}

func (h *AdminHandler) CacheStats(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	stats, err := h.cache.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": stats})
}
