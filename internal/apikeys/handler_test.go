package apikeys

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataup/cvat-gateway/internal/auth"
)

var testSecret = []byte("handler-test-secret")

func newHandlerEngine(t *testing.T, store *memStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t, store)
	h := NewHandler(svc, NewResolver(store), nil)

	r := gin.New()
	g := r.Group("/api/dataup/api-keys", auth.RequireAuth(auth.NewVerifier(testSecret, "")))
	h.RegisterRoutes(g)
	return r
}

func doJSON(t *testing.T, r http.Handler, ac auth.AuthContext, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	tok, err := auth.Issue(testSecret, "", ac, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListResolve(t *testing.T) {
	store := newMemStore()
	r := newHandlerEngine(t, store)
	alice := auth.AuthContext{UserID: 1, Username: "alice"}

	w := doJSON(t, r, alice, http.MethodPost, "/api/dataup/api-keys",
		map[string]any{"key": "dk_live_0123456789abcdef", "name": "main", "default": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "dk_live_cdef", created["preview"])
	assert.Equal(t, true, created["default"])
	assert.Equal(t, "alice", created["owner_name"])
	assert.Equal(t, []any{}, created["allowed_roles"])
	assert.Nil(t, created["last_used_at"])
	assert.NotContains(t, w.Body.String(), "0123456789ab", "secret is never echoed")

	w = doJSON(t, r, alice, http.MethodGet, "/api/dataup/api-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created["id"], listed[0]["id"])

	w = doJSON(t, r, alice, http.MethodGet, "/api/dataup/api-keys/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created["id"].(string))

	w = doJSON(t, r, auth.AuthContext{UserID: 2}, http.MethodGet, "/api/dataup/api-keys/resolve", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"No API key found for this organization's DataUp service."}`, w.Body.String())
}

func TestHandler_ListSearchAndOrdering(t *testing.T) {
	store := newMemStore()
	r := newHandlerEngine(t, store)
	alice := auth.AuthContext{UserID: 1, Username: "alice"}

	for _, k := range []map[string]any{
		{"key": "dk_live_alpha_000000001", "name": "alpha", "label": "prod"},
		{"key": "dk_live_beta_0000000002", "name": "beta", "label": "staging"},
		{"key": "dk_live_gamma_000000003", "name": "gamma", "label": "Prod backup"},
	} {
		w := doJSON(t, r, alice, http.MethodPost, "/api/dataup/api-keys", k)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	names := func(path string) []string {
		w := doJSON(t, r, alice, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var listed []map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
		out := make([]string, 0, len(listed))
		for _, k := range listed {
			out = append(out, k["name"].(string))
		}
		return out
	}

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, names("/api/dataup/api-keys?ordering=name"))
	assert.Equal(t, []string{"gamma", "alpha"}, names("/api/dataup/api-keys?search=PROD&ordering=-name"))
	assert.Equal(t, []string{"gamma"}, names("/api/dataup/api-keys?search=prod,backup"))
	assert.Equal(t, []string{"beta"}, names("/api/dataup/api-keys?search=beta&ordering=secret"))
	assert.Empty(t, names("/api/dataup/api-keys?search=nothing"))
}

func TestHandler_ValidationErrors(t *testing.T) {
	r := newHandlerEngine(t, newMemStore())
	ac := auth.AuthContext{UserID: 1}

	w := doJSON(t, r, ac, http.MethodPost, "/api/dataup/api-keys", map[string]any{"key": "", "name": "n"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"key":["API key cannot be empty."]}`, w.Body.String())

	w = doJSON(t, r, ac, http.MethodPost, "/api/dataup/api-keys?org=ghost", map[string]any{"key": "k", "name": "n"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"org":["Organization not found."]}`, w.Body.String())

	w = doJSON(t, r, ac, http.MethodPost, "/api/dataup/api-keys",
		map[string]any{"key": "k", "name": "n", "allowed_roles": []string{"god"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid role: god")
}

func TestHandler_UpdateDefaultDelete(t *testing.T) {
	store := newMemStore()
	r := newHandlerEngine(t, store)
	owner := auth.AuthContext{UserID: 1, OrgID: 10, OrgSlug: "acme", Role: "owner"}
	worker := auth.AuthContext{UserID: 2, OrgID: 10, OrgSlug: "acme", Role: "worker"}

	w := doJSON(t, r, owner, http.MethodPost, "/api/dataup/api-keys?org=acme", map[string]any{"key": "k1", "name": "one"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	path := "/api/dataup/api-keys/" + rec["id"].(string)
	assert.Equal(t, "user_org", rec["scope"])

	w = doJSON(t, r, owner, http.MethodPatch, path, map[string]any{"label": "staging"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"label":"staging"`)

	w = doJSON(t, r, worker, http.MethodPut, path, map[string]any{"label": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, owner, http.MethodPost, path+"/default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"default":true`)

	w = doJSON(t, r, owner, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, owner, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Unauthenticated(t *testing.T) {
	r := newHandlerEngine(t, newMemStore())
	req := httptest.NewRequest(http.MethodGet, "/api/dataup/api-keys", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(ErrConflict))
	assert.Equal(t, http.StatusForbidden, statusFor(ErrForbidden))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
