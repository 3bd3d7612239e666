package apikeys

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/auth"
)

// Handler serves the API-key management endpoints. It expects auth.RequireAuth
// to run first.
type Handler struct {
	svc      *Service
	resolver *Resolver
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, resolver *Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, resolver: resolver, logger: logger}
}

// RegisterRoutes mounts the endpoints on rg (typically /api/dataup/api-keys).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.list)
	rg.POST("", h.create)
	rg.GET("/resolve", h.resolve)
	rg.GET("/:id", h.get)
	rg.PUT("/:id", h.update)
	rg.PATCH("/:id", h.update)
	rg.DELETE("/:id", h.delete)
	rg.POST("/:id/default", h.setDefault)
}

type keyResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	OwnerName    *string    `json:"owner_name"`
	AllowedRoles []string   `json:"allowed_roles"`
	Label        string     `json:"label"`
	Preview      string     `json:"preview"`
	Default      bool       `json:"default"`
	Scope        string     `json:"scope"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
}

func toResponse(r *Record) keyResponse {
	resp := keyResponse{
		ID:           r.ID,
		Name:         r.Name,
		AllowedRoles: r.AllowedRoles,
		Label:        r.Label,
		Preview:      r.Preview,
		Default:      r.IsDefault,
		Scope:        r.ScopeKey().Scope.String(),
		CreatedAt:    r.CreatedAt,
		LastUsedAt:   r.LastUsedAt,
	}
	if resp.AllowedRoles == nil {
		resp.AllowedRoles = []string{}
	}
	if r.OwnerID != 0 && r.OwnerName != "" {
		name := r.OwnerName
		resp.OwnerName = &name
	}
	return resp
}

func (h *Handler) list(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	recs, err := h.svc.List(c.Request.Context(), ac, ListQuery{
		Org:      c.Query("org"),
		Search:   c.Query("search"),
		Ordering: c.Query("ordering"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]keyResponse, 0, len(recs))
	for i := range recs {
		out = append(out, toResponse(&recs[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) create(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if org := c.Query("org"); org != "" {
		in.Org = org
	}
	rec, err := h.svc.Create(c.Request.Context(), ac, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(rec))
}

func (h *Handler) get(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	rec, err := h.svc.Get(c.Request.Context(), ac, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(rec))
}

func (h *Handler) update(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	var in UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	rec, err := h.svc.Update(c.Request.Context(), ac, c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(rec))
}

func (h *Handler) delete(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	if err := h.svc.Delete(c.Request.Context(), ac, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setDefault(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	rec, err := h.svc.SetDefault(c.Request.Context(), ac, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(rec))
}

// resolve reports which key DataUp requests of the caller would use.
func (h *Handler) resolve(c *gin.Context) {
	ac, _ := auth.FromGin(c)
	rec, err := h.resolver.Resolve(c.Request.Context(), ac)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": NoKeyMessage})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(rec))
}

// NoKeyMessage is returned when resolution finds no key for the caller.
const NoKeyMessage = "No API key found for this organization's DataUp service."

func (h *Handler) fail(c *gin.Context, err error) {
	var fe *FieldError
	if errors.As(err, &fe) {
		c.JSON(http.StatusBadRequest, gin.H{fe.Field: []string{fe.Message}})
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("api key request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOrganizationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrScopeRequired), errors.Is(err, ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
