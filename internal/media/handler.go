package media

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/logging"
)

// FrameURLer signs frame URLs.
type FrameURLer interface {
	FrameURL(ctx context.Context, res Resource, frame int, quality string) (string, error)
	TTL() time.Duration
}

// PresignHandler serves presigned frame URLs.
type PresignHandler struct {
	signer FrameURLer
	logger *zap.Logger
}

func NewPresignHandler(signer FrameURLer, logger *zap.Logger) *PresignHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresignHandler{signer: signer, logger: logger}
}

// RegisterRoutes mounts the handlers on rg, normally the authenticated /api group.
func (h *PresignHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tasks/:id/frames/:frame/url", h.frameURL(KindTask))
	rg.GET("/jobs/:id/frames/:frame/url", h.frameURL(KindJob))
}

type frameURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *PresignHandler) frameURL(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + string(kind) + " id"})
			return
		}
		frame, err := strconv.Atoi(c.Param("frame"))
		if err != nil || frame < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame number"})
			return
		}
		quality := c.DefaultQuery("quality", QualityCompressed)
		if quality != QualityCompressed && quality != QualityOriginal {
			c.JSON(http.StatusBadRequest, gin.H{"error": "quality must be compressed or original"})
			return
		}

		res := Resource{Kind: kind, ID: id}
		signed, err := h.signer.FrameURL(c.Request.Context(), res, frame, quality)
		switch {
		case errors.Is(err, ErrResourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": kind.Title() + " not found"})
			return
		case errors.Is(err, ErrMediaNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Frame not found"})
			return
		case err != nil:
			logging.WithContext(c.Request.Context(), h.logger).Error("failed to presign frame",
				zap.String("resource", res.String()), zap.Int("frame", frame), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, frameURLResponse{URL: signed, ExpiresIn: int64(h.signer.TTL() / time.Second)})
	}
}
