package approval

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/claude"
	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
	"github.com/cowork/cowork/internal/events/bus"
)

// EventSource names this component in published events.
const EventSource = "approval-server"

// hookPayload is the body the pre-tool-use hook script POSTs.
type hookPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolUseID string         `json:"tool_use_id"`
	SessionID string         `json:"session_id"`
}

// respondPayload is the decision body from the UI gateway.
type respondPayload struct {
	ID       string `json:"id" binding:"required"`
	Approved bool   `json:"approved"`
}

// Server is the loopback HTTP endpoint the hook script calls. It binds an
// ephemeral port; the port is injected into the agent's environment each
// turn and never persisted.
type Server struct {
	registry *Registry
	bus      bus.EventBus
	logger   *logger.Logger
	srv      *http.Server
	listener net.Listener
	port     int
}

// NewServer creates an approval server backed by the given registry.
func NewServer(registry *Registry, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		registry: registry,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "approval-server")),
	}
}

// Start binds 127.0.0.1:0 and serves in the background. The assigned port
// is available via Port once Start returns.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/approval", s.handleApproval)
	router.POST("/respond", s.handleRespond)

	s.srv = &http.Server{Handler: router}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Approval server error", zap.Error(err))
		}
	}()

	s.logger.Info("Approval server started", zap.Int("port", s.port))
	return nil
}

// Port returns the ephemeral port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Shutdown stops the server and denies anything still waiting.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.ResolveAll(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleApproval is the hook-intake route. It blocks the hook (and with it
// the agent) until the request resolves.
func (s *Server) handleApproval(c *gin.Context) {
	var payload hookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.logger.Error("Failed to parse hook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload"})
		return
	}

	if AutoApproved(payload.ToolName, payload.ToolInput) {
		c.JSON(http.StatusOK, gin.H{"approved": true})
		return
	}

	id := payload.ToolUseID
	if id == "" {
		id = uuid.New().String()
	}

	desc := claude.Describe(payload.ToolName, payload.ToolInput)
	request := events.ApprovalRequest{
		ID:          id,
		Tool:        payload.ToolName,
		Description: desc.Description,
		RawInput:    desc.Raw,
		Details:     Details(payload.ToolName, payload.ToolInput),
		ReceivedAt:  time.Now().UTC(),
	}

	waiter := s.registry.Register(request)
	s.publish(events.SubjectApprovalRequested, "approval.requested", request)

	s.logger.Info("Waiting for approval",
		zap.String("approval_id", id),
		zap.String("tool", payload.ToolName))

	approved, timedOut := s.registry.Await(c.Request.Context(), waiter)

	reason := ""
	if timedOut {
		reason = "timeout"
		s.logger.Warn("Approval timed out, denying", zap.String("approval_id", id))
	}
	s.publish(events.SubjectApprovalResolved, "approval.resolved", events.ApprovalDecision{
		ID:       id,
		Approved: approved,
		Reason:   reason,
	})

	c.JSON(http.StatusOK, gin.H{"approved": approved})
}

// handleRespond is the decision route. Unknown or already-resolved ids are
// acknowledged no-ops so racing decisions never error at the caller.
func (s *Server) handleRespond(c *gin.Context) {
	var payload respondPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid respond payload"})
		return
	}

	resolved := s.registry.Resolve(payload.ID, payload.Approved)
	if !resolved {
		s.logger.Debug("Decision for unknown or resolved approval",
			zap.String("approval_id", payload.ID))
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) publish(subject, eventType string, data any) {
	ev := bus.NewEvent(eventType, EventSource, data)
	if err := s.bus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
