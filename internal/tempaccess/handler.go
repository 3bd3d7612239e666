package tempaccess

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/media"
	"github.com/dataup/cvat-gateway/internal/obfuscate"
)

// Messages are rendered as bare JSON strings, the shape existing clients parse.
const (
	msgNotFound     = "Token not found or expired"
	msgExpired      = "Token expired"
	msgInvalidToken = "Invalid token data"
)

// Handler exposes token resolution over HTTP. The routes are public: the
// token is the credential.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the temporary access routes on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/api/temp-access/:token", h.single)
	r.GET("/api/temp-access/:token/:filename", h.single)
	r.GET("/api/batch-temp-access/:token", h.batch)
}

var tokenRoutes = []string{"/api/temp-access/", "/api/batch-temp-access/"}

// RedactPath masks the token segment of temporary access URLs.
func RedactPath(path string) string {
	for _, prefix := range tokenRoutes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		token, tail, _ := strings.Cut(rest, "/")
		if tail != "" {
			tail = "/" + tail
		}
		return prefix + obfuscate.Token(token) + tail
	}
	return path
}

func (h *Handler) single(c *gin.Context) {
	ctx := c.Request.Context()
	d, _, err := h.svc.Lookup(ctx, KindSingle, c.Param("token"))
	if err != nil {
		h.lookupFailed(c, err)
		return
	}

	m, err := h.svc.ServeFrame(ctx, d)
	if err != nil {
		h.serveFailed(c, d, err, "Error serving data")
		return
	}
	if m.Name != "" {
		c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, m.Name))
	}
	c.Data(http.StatusOK, m.ContentType, m.Data)
}

func (h *Handler) batch(c *gin.Context) {
	ctx := c.Request.Context()
	d, _, err := h.svc.Lookup(ctx, KindBatch, c.Param("token"))
	if err != nil {
		h.lookupFailed(c, err)
		return
	}

	archive, err := h.svc.BuildArchive(ctx, d)
	if err != nil {
		h.serveFailed(c, d, err, "Error serving batch data")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, archive.Name))
	c.Data(http.StatusOK, "application/zip", archive.Data)
}

func (h *Handler) lookupFailed(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		c.JSON(http.StatusNotFound, msgNotFound)
	case errors.Is(err, ErrTokenExpired):
		c.JSON(http.StatusNotFound, msgExpired)
	case errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusNotFound, msgInvalidToken)
	default:
		h.logger.Error("token lookup error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, "Error serving data: "+err.Error())
	}
}

func (h *Handler) serveFailed(c *gin.Context, d Descriptor, err error, prefix string) {
	if errors.Is(err, media.ErrResourceNotFound) {
		res, _ := d.Resource()
		c.JSON(http.StatusNotFound, res.Kind.Title()+" not found")
		return
	}
	if errors.Is(err, ErrInvalidToken) {
		c.JSON(http.StatusNotFound, msgInvalidToken)
		return
	}
	h.logger.Error("temporary access serve failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, prefix+": "+err.Error())
}
