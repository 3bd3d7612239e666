package analytics

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/logging"
)

// Distributor is the query side used by Handler.
type Distributor interface {
	ClassDistribution(ctx context.Context, f Filter) (*Distribution, error)
}

// Handler serves the analytics endpoints.
type Handler struct {
	store  Distributor
	logger *zap.Logger
}

func NewHandler(store Distributor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the handlers on rg, normally /api/analytics.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/class_distribution/", h.classDistribution)
}

func (h *Handler) classDistribution(c *gin.Context) {
	f, err := ParseFilter(c.Query("task_id"), c.Query("job_id"), c.Query("project_id"))
	switch {
	case errors.Is(err, ErrNoFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Specify task_id, job_id, or project_id"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dist, err := h.store.ClassDistribution(c.Request.Context(), f)
	if err != nil {
		logging.WithContext(c.Request.Context(), h.logger).Error("class distribution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, dist)
}
