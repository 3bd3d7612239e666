package dataup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/logging"
)

// KeyResolver selects the API key used for a caller.
type KeyResolver interface {
	Resolve(ctx context.Context, ac auth.AuthContext) (*apikeys.Record, error)
}

// Accounts gives access to the organization mirror and key usage tracking.
type Accounts interface {
	Organization(ctx context.Context, ac auth.AuthContext) (*apikeys.Organization, error)
	MarkUsed(ctx context.Context, id string) error
}

// Handler exposes the resource table under a gin router group.
type Handler struct {
	client    *Client
	resources *ResourceTable
	keys      KeyResolver
	accounts  Accounts
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(client *Client, resources *ResourceTable, keys KeyResolver, accounts Accounts, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{client: client, resources: resources, keys: keys, accounts: accounts, logger: logger}
}

// RegisterRoutes mounts every resource of the table on rg. rg is expected to
// run auth.RequireAuth.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	for i := range h.resources.Resources {
		res := &h.resources.Resources[i]
		collection := "/" + res.Name
		item := collection + "/:id"
		if res.Allows(OpList) {
			rg.GET(collection, h.list(res))
		}
		if res.Allows(OpCreate) {
			rg.POST(collection, h.create(res))
		}
		if res.Allows(OpRetrieve) {
			rg.GET(item, h.retrieve(res))
		}
		if res.Allows(OpUpdate) {
			rg.PUT(item, h.update(res))
			rg.PATCH(item, h.update(res))
		}
		if res.Allows(OpDelete) {
			rg.DELETE(item, h.destroy(res))
		}
	}
}

// RegisterHealthRoutes mounts the unauthenticated organization health check.
func (h *Handler) RegisterHealthRoutes(rg *gin.RouterGroup) {
	rg.GET("/health/organization-status", h.organizationStatus)
}

// caller carries what every proxied call needs.
type caller struct {
	ac      auth.AuthContext
	key     *apikeys.Record
	orgUUID string
}

func (h *Handler) caller(c *gin.Context) (*caller, bool) {
	ac, _ := auth.FromGin(c)
	ctx := c.Request.Context()

	key, err := h.keys.Resolve(ctx, ac)
	if errors.Is(err, apikeys.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": apikeys.NoKeyMessage})
		return nil, false
	}
	if err != nil {
		logging.WithContext(ctx, h.logger).Error("failed to resolve api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error calling DataUP API: " + err.Error()})
		return nil, false
	}

	cl := &caller{ac: ac, key: key}
	org, err := h.accounts.Organization(ctx, ac)
	if err != nil {
		// the call proceeds without the organization header
		logging.WithContext(ctx, h.logger).Info("cannot find DataUp organization for caller", zap.Error(err))
	}
	if org != nil {
		cl.orgUUID = org.UUID
	}
	return cl, true
}

func (h *Handler) list(res *Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := h.caller(c)
		if !ok {
			return
		}
		query := url.Values{}
		for param, upstream := range res.Filters {
			if v := c.Query(param); v != "" {
				query.Set(upstream, v)
			}
		}
		if cl.orgUUID != "" {
			query.Set("organization_id", cl.orgUUID)
		}
		h.forward(c, cl, Call{Method: http.MethodGet, Endpoint: res.Endpoint, Query: query, Label: res.Name}, http.StatusOK)
	}
}

func (h *Handler) retrieve(res *Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := h.caller(c)
		if !ok {
			return
		}
		h.forward(c, cl, Call{Method: http.MethodGet, Endpoint: res.ItemEndpoint(c.Param("id")), Label: res.Name}, http.StatusOK)
	}
}

func (h *Handler) create(res *Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := bindObject(c)
		if !ok {
			return
		}
		if missing := missingFields(body, res.Required); len(missing) > 0 {
			c.JSON(http.StatusBadRequest, missing)
			return
		}
		for k, v := range res.Defaults {
			if _, set := body[k]; !set {
				body[k] = v
			}
		}
		cl, ok := h.caller(c)
		if !ok {
			return
		}
		body["owner_id"] = strconv.FormatInt(cl.ac.UserID, 10)
		if cl.orgUUID != "" {
			body["organization_id"] = cl.orgUUID
		}
		h.forward(c, cl, Call{Method: http.MethodPost, Endpoint: res.Endpoint, Body: body, Label: res.Name}, http.StatusCreated)
	}
}

func (h *Handler) update(res *Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := bindObject(c)
		if !ok {
			return
		}
		cl, ok := h.caller(c)
		if !ok {
			return
		}
		h.forward(c, cl, Call{Method: res.UpdateMethod, Endpoint: res.ItemEndpoint(c.Param("id")), Body: body, Label: res.Name}, http.StatusOK)
	}
}

func (h *Handler) destroy(res *Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := h.caller(c)
		if !ok {
			return
		}
		h.forward(c, cl, Call{Method: http.MethodDelete, Endpoint: res.ItemEndpoint(c.Param("id")), Label: res.Name}, http.StatusNoContent)
	}
}

// forward sends call and writes the upstream answer with success as status.
func (h *Handler) forward(c *gin.Context, cl *caller, call Call, success int) {
	ctx := c.Request.Context()
	call.APIKey = cl.key.Secret
	call.OrgUUID = cl.orgUUID

	resp, err := h.client.Do(ctx, call)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.accounts.MarkUsed(ctx, cl.key.ID); err != nil {
		logging.WithContext(ctx, h.logger).Warn("failed to mark api key used", zap.String("key_id", cl.key.ID), zap.Error(err))
	}
	if success == http.StatusNoContent || len(resp.Body) == 0 {
		c.Status(success)
		return
	}
	c.Data(success, "application/json", resp.Body)
}

func (h *Handler) fail(c *gin.Context, err error) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch ue.Status {
		case http.StatusNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
			return
		case http.StatusBadRequest:
			if json.Valid(ue.Body) {
				c.Data(http.StatusBadRequest, "application/json", ue.Body)
			} else {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
			}
			return
		}
	}
	logging.WithContext(c.Request.Context(), h.logger).Error("dataup request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Error calling DataUP API: %v", err)})
}

// organizationStatus relays the DataUp verification status of an organization.
func (h *Handler) organizationStatus(c *gin.Context) {
	orgUUID := c.Query("organization_uuid")
	if orgUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "unknown", "message": "No organization_uuid provided"})
		return
	}
	resp, err := h.client.Get(c.Request.Context(), "healthz/orgs/"+url.PathEscape(orgUUID), "health")
	if err == nil && !json.Valid(resp.Body) {
		err = fmt.Errorf("invalid JSON in health response (status %d)", resp.Status)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unknown", "error": err.Error()})
		return
	}
	c.Data(resp.Status, "application/json", resp.Body)
}

// bindObject decodes the request body as a JSON object. An empty body is an
// empty object.
func bindObject(c *gin.Context) (map[string]any, bool) {
	body := map[string]any{}
	err := json.NewDecoder(c.Request.Body).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

func missingFields(body map[string]any, required []string) map[string][]string {
	missing := map[string][]string{}
	for _, f := range required {
		if v, ok := body[f]; !ok || v == nil || v == "" {
			missing[f] = []string{"This field is required."}
		}
	}
	return missing
}
