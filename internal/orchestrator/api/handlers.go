package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/commands"
	"github.com/cowork/cowork/internal/common/errors"
	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/orchestrator"
)

// Controller is the orchestrator surface the handlers drive, satisfied by
// *orchestrator.Orchestrator.
type Controller interface {
	Snapshot() orchestrator.Snapshot
	SendMessage(content string) (string, error)
	RunCommand(name, arguments string) (string, error)
	Cancel() error
	RespondApproval(id string, approved bool)
	SetWorkingDir(path string) error
	ClearHistory() error
	ResetAgentSession() error
	WorkingDir() string
}

// Handler contains HTTP handlers for the session API
type Handler struct {
	orch     Controller
	commands *commands.Store
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch Controller, cmdStore *commands.Store, log *logger.Logger) *Handler {
	return &Handler{
		orch:     orch,
		commands: cmdStore,
		logger:   log.WithFields(zap.String("component", "session-api")),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("internal error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// HealthCheck reports gateway liveness
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  h.orch.Snapshot().State,
	})
}

// GetSession returns the full session snapshot
// GET /api/v1/session
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Snapshot())
}

// SendMessage starts a turn with the given user content
// POST /api/v1/session/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	turnID, err := h.orch.SendMessage(req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"turn_id": turnID})
}

// CancelTurn aborts the active turn
// POST /api/v1/session/cancel
func (h *Handler) CancelTurn(c *gin.Context) {
	if err := h.orch.Cancel(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "turn cancelled"})
}

// RespondApproval forwards a human approval decision
// POST /api/v1/session/approvals/respond
func (h *Handler) RespondApproval(c *gin.Context) {
	var req RespondApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.ID == "" || req.Approved == nil {
		appErr := errors.BadRequest("id and approved are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.orch.RespondApproval(req.ID, *req.Approved)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SetWorkingDir selects the working directory for the session
// PUT /api/v1/session/workdir
func (h *Handler) SetWorkingDir(c *gin.Context) {
	var req SetWorkingDirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Path == "" {
		appErr := errors.BadRequest("path is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.orch.SetWorkingDir(req.Path); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"working_dir": req.Path})
}

// ClearHistory empties the persisted transcript
// DELETE /api/v1/session/messages
func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.orch.ClearHistory(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "history cleared"})
}

// ResetAgentSession drops the agent resume id
// POST /api/v1/session/reset
func (h *Handler) ResetAgentSession(c *gin.Context) {
	if err := h.orch.ResetAgentSession(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent session reset"})
}

func (h *Handler) requireWorkdir(c *gin.Context) (string, bool) {
	workdir := h.orch.WorkingDir()
	if workdir == "" {
		appErr := errors.BadRequest("no working directory selected")
		c.JSON(appErr.HTTPStatus, appErr)
		return "", false
	}
	return workdir, true
}

// ListCommands lists the stored slash commands for the working directory
// GET /api/v1/commands
func (h *Handler) ListCommands(c *gin.Context) {
	workdir, ok := h.requireWorkdir(c)
	if !ok {
		return
	}

	cmds, err := h.commands.List(workdir)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

// GetCommand returns one stored command
// GET /api/v1/commands/:name
func (h *Handler) GetCommand(c *gin.Context) {
	workdir, ok := h.requireWorkdir(c)
	if !ok {
		return
	}

	cmd, err := h.commands.Get(workdir, c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// SaveCommand creates or replaces a stored command
// POST /api/v1/commands
func (h *Handler) SaveCommand(c *gin.Context) {
	workdir, ok := h.requireWorkdir(c)
	if !ok {
		return
	}

	var req SaveCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Name == "" || req.Body == "" {
		appErr := errors.BadRequest("name and body are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	cmd := commands.Command{
		Name:        commands.SanitizeName(req.Name),
		Description: req.Description,
		Body:        req.Body,
	}
	if err := h.commands.Save(workdir, cmd); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// DeleteCommand removes a stored command
// DELETE /api/v1/commands/:name
func (h *Handler) DeleteCommand(c *gin.Context) {
	workdir, ok := h.requireWorkdir(c)
	if !ok {
		return
	}

	if err := h.commands.Delete(workdir, c.Param("name")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "command deleted"})
}

// RunCommand expands a stored command and starts a turn with it
// POST /api/v1/commands/:name/run
func (h *Handler) RunCommand(c *gin.Context) {
	var req RunCommandRequest
	// Arguments are optional; an empty body means no arguments.
	_ = c.ShouldBindJSON(&req)

	turnID, err := h.orch.RunCommand(c.Param("name"), req.Arguments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"turn_id": turnID})
}
