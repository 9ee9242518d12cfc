// Package http exposes the session API consumed by the frontend
// terminal display: open, write, resize, close, introspection, and
// profile listing. Event streaming lives in the ws package.
package http

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/config"
	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/profiles"
	"github.com/fosslife/termillion/internal/pty"
	"github.com/fosslife/termillion/internal/shared/id"
)

// Handlers carries the session API's dependencies.
type Handlers struct {
	registry *pty.Registry
	profiles *profiles.Profiles
	terminal config.TerminalConfig
	logger   *logging.Logger
}

// NewHandlers creates the session API handlers. profs may be nil when
// no profile file is configured.
func NewHandlers(registry *pty.Registry, profs *profiles.Profiles, terminal config.TerminalConfig, logger *logging.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		profiles: profs,
		terminal: terminal,
		logger:   logger,
	}
}

// OpenSessionRequest is the open-session payload. All fields are
// optional; omissions fall back to the configured defaults.
type OpenSessionRequest struct {
	Profile string            `json:"profile,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
}

// WriteRequest carries input bytes, base64-encoded so pasted binary
// survives JSON transport.
type WriteRequest struct {
	Data string `json:"data"`
}

// ResizeRequest carries new terminal dimensions.
type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(h.registry.List()),
	})
}

// OpenSession spawns a new PTY session and returns its ID and info.
func (h *Handlers) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	opts := pty.Options{
		Command: req.Command,
		Args:    req.Args,
		Dir:     req.Cwd,
		Env:     req.Env,
		Rows:    req.Rows,
		Cols:    req.Cols,
		Config: pty.Config{
			ReadBufferSize:  h.terminal.ReadBufferSize,
			BatchWindow:     h.terminal.BatchWindow,
			MetricsInterval: h.terminal.MetricsInterval,
			Scrollback:      h.terminal.Scrollback,
		},
	}

	switch {
	case req.Profile != "":
		if h.profiles == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no profiles configured"})
			return
		}
		prof, ok := h.profiles.Find(req.Profile)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown profile: " + req.Profile})
			return
		}
		applyProfile(&opts, prof)
	case req.Command == "" && h.profiles != nil:
		if prof, ok := h.profiles.DefaultProfile(); ok {
			applyProfile(&opts, prof)
		}
	}

	if opts.Command == "" && h.terminal.Shell != "" {
		opts.Command = h.terminal.Shell
	}
	if opts.Rows == 0 {
		opts.Rows = h.terminal.Rows
	}
	if opts.Cols == 0 {
		opts.Cols = h.terminal.Cols
	}

	sid, err := h.registry.Open(opts)
	if err != nil {
		status := http.StatusInternalServerError
		var se *pty.SpawnError
		if errors.As(err, &se) && se.Kind != pty.SpawnUnknown {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	// A fast-exiting child can already be torn down here; the session
	// existed, so the response still carries its ID.
	if info, err := h.registry.Info(sid); err == nil {
		c.JSON(http.StatusCreated, info)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sid})
}

// applyProfile overlays a profile's command and environment on the
// request. Request env entries win over profile ones.
func applyProfile(opts *pty.Options, prof profiles.Profile) {
	opts.Command = prof.Command
	opts.Args = prof.Args
	if opts.Env == nil {
		opts.Env = prof.Env
		return
	}
	for k, v := range prof.Env {
		if _, set := opts.Env[k]; !set {
			opts.Env[k] = v
		}
	}
}

// ListSessions returns every live session.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session's info, the introspection hook for
// dimension and state queries.
func (h *Handlers) GetSession(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	info, err := h.registry.Info(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetSessionMetrics returns a session's counter snapshot.
func (h *Handlers) GetSessionMetrics(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	snap, err := h.registry.Metrics(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// WriteSession forwards input bytes to the session's PTY.
func (h *Handlers) WriteSession(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data must be base64"})
		return
	}

	if err := h.registry.Write(sid, data); err != nil {
		if errors.Is(err, pty.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Warn("session write failed",
			zap.String("session_id", sid.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResizeSession applies new dimensions to the session's PTY.
func (h *Handlers) ResizeSession(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.registry.Resize(sid, req.Rows, req.Cols); err != nil {
		if errors.Is(err, pty.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CloseSession tears the session down. Idempotent: closing an unknown
// or already-closed session succeeds.
func (h *Handlers) CloseSession(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	if err := h.registry.Close(sid); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListProfiles returns the configured shell profiles.
func (h *Handlers) ListProfiles(c *gin.Context) {
	if h.profiles == nil {
		c.JSON(http.StatusOK, gin.H{"default": "", "profiles": []profiles.Profile{}})
		return
	}
	c.JSON(http.StatusOK, h.profiles)
}
