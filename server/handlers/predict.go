package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/stroke-risk/server/cache"
	"github.com/san-kum/stroke-risk/server/models"
	"github.com/san-kum/stroke-risk/server/predictor"
	"github.com/san-kum/stroke-risk/server/processor"
	"go.uber.org/zap"
)

type PredictHandler struct {
	service *predictor.Service
	batch   *processor.BatchProcessor
	cache   cache.Cache
	logger  *zap.Logger
}

// NewPredictHandler takes an optional cache, used only for stats.
func NewPredictHandler(service *predictor.Service, batch *processor.BatchProcessor, c cache.Cache, logger *zap.Logger) *PredictHandler {
	registerJSONFieldNames()
	return &PredictHandler{
		service: service,
		batch:   batch,
		cache:   c,
		logger:  logger,
	}
}

func (h *PredictHandler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Stroke API is working!"})
}

// Predict answers 422 only for malformed input. Once the input is valid the
// response is always 200, carrying either a result or an error field.
func (h *PredictHandler) Predict(c *gin.Context) {
	var request models.PredictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid prediction request", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, validationErrorResponse(err))
		return
	}

	raw, err := request.ToRawInput()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, validationErrorResponse(err))
		return
	}

	explain := c.Query("explain") == "true"
	c.JSON(http.StatusOK, h.service.Respond(c.Request.Context(), raw, explain))
}

func (h *PredictHandler) PredictBatch(c *gin.Context) {
	start := time.Now()

	var request models.BatchPredictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, validationErrorResponse(err))
		return
	}

	items := make([]processor.BatchItem, len(request.Items))
	for i := range request.Items {
		raw, err := toRawInput(&request.Items[i])
		if err != nil {
			items[i] = processor.BatchItem{Err: fmt.Errorf("item %d: %v", i, validationDetails(err))}
			continue
		}
		items[i] = processor.BatchItem{Input: raw}
	}

	explain := request.Explain || c.Query("explain") == "true"
	results, err := h.batch.ProcessBatch(c.Request.Context(), items, explain)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	response := models.BatchPredictResponse{
		Results:   results,
		Count:     len(results),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for _, r := range results {
		if r.Error != "" {
			response.Errors++
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *PredictHandler) ModelInfo(c *gin.Context) {
	info, err := h.service.ModelInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *PredictHandler) Stats(c *gin.Context) {
	body := gin.H{
		"predictions": h.service.GetStats(),
		"batch_queue": h.batch.Stats(),
	}
	if h.cache != nil {
		if stats, err := h.cache.GetStats(c.Request.Context()); err == nil {
			body["cache"] = stats
		}
	}
	c.JSON(http.StatusOK, body)
}
