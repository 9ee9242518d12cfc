package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosslife/termillion/internal/infrastructure/config"
	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/profiles"
	"github.com/fosslife/termillion/internal/pty"
)

func testRouter(t *testing.T, profs *profiles.Profiles) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := pty.NewRegistry(pty.Config{}, logging.NewNop(), nil)
	t.Cleanup(registry.Shutdown)

	h := NewHandlers(registry, profs, config.Default().Terminal, logging.NewNop())

	router := gin.New()
	router.GET("/health", h.Health)
	router.POST("/sessions", h.OpenSession)
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/:id", h.GetSession)
	router.GET("/sessions/:id/metrics", h.GetSessionMetrics)
	router.POST("/sessions/:id/write", h.WriteSession)
	router.POST("/sessions/:id/resize", h.ResizeSession)
	router.DELETE("/sessions/:id", h.CloseSession)
	router.GET("/profiles", h.ListProfiles)
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func openSession(t *testing.T, router *gin.Engine, body any) pty.Info {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var info pty.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.NotEmpty(t, info.ID)
	return info
}

func TestHealth(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSessionLifecycle(t *testing.T) {
	router := testRouter(t, nil)

	info := openSession(t, router, OpenSessionRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	})
	assert.Equal(t, "/bin/sh", info.Command)
	assert.Equal(t, uint16(24), info.Rows)
	assert.Equal(t, uint16(80), info.Cols)

	sid := info.ID.String()

	w := doJSON(router, http.MethodGet, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/sessions/"+sid+"/resize", ResizeRequest{Rows: 40, Cols: 120})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rows":40`)
	assert.Contains(t, w.Body.String(), `"cols":120`)

	w = doJSON(router, http.MethodPost, "/sessions/"+sid+"/write", WriteRequest{
		Data: base64.StdEncoding.EncodeToString([]byte("echo hi\n")),
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/sessions/"+sid+"/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodDelete, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenFastExitingCommandReturnsID(t *testing.T) {
	router := testRouter(t, nil)

	// The child may exit and be torn down before the response is built;
	// the caller still gets the session ID it can poll or attach with.
	w := doJSON(router, http.MethodPost, "/sessions", OpenSessionRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "term_"), resp.ID)
}

func TestOpenSessionBadCommand(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(router, http.MethodPost, "/sessions", OpenSessionRequest{
		Command: "no-such-binary-termillion-test",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "command_not_found")
}

func TestUnknownSessionRoutes(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodGet, "/sessions/term_bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/sessions/term_bogus/write", WriteRequest{Data: "aGk="})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/sessions/term_bogus/resize", ResizeRequest{Rows: 1, Cols: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Closing an unknown session succeeds; teardown is idempotent.
	w = doJSON(router, http.MethodDelete, "/sessions/term_bogus", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteRejectsBadBase64(t *testing.T) {
	router := testRouter(t, nil)
	info := openSession(t, router, OpenSessionRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	})

	w := doJSON(router, http.MethodPost, "/sessions/"+info.ID.String()+"/write", WriteRequest{
		Data: "not base64!!!",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenSessionWithProfile(t *testing.T) {
	profs := &profiles.Profiles{
		Default: "posix",
		List: []profiles.Profile{
			{Name: "posix", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}},
		},
	}
	router := testRouter(t, profs)

	info := openSession(t, router, OpenSessionRequest{Profile: "posix"})
	assert.Equal(t, "/bin/sh", info.Command)

	w := doJSON(router, http.MethodPost, "/sessions", OpenSessionRequest{Profile: "missing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListProfilesEmpty(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(router, http.MethodGet, "/profiles", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"profiles":[]`)
}
