package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cowork/cowork/internal/commands"
	"github.com/cowork/cowork/internal/common/logger"
)

// SetupRoutes configures the session API routes
// router should be the /api/v1 group
func SetupRoutes(
	router *gin.RouterGroup,
	orch Controller,
	cmdStore *commands.Store,
	log *logger.Logger,
) {
	handler := NewHandler(orch, cmdStore, log)

	session := router.Group("/session")
	{
		session.GET("", handler.GetSession)
		session.POST("/messages", handler.SendMessage)
		session.DELETE("/messages", handler.ClearHistory)
		session.POST("/cancel", handler.CancelTurn)
		session.POST("/reset", handler.ResetAgentSession)
		session.PUT("/workdir", handler.SetWorkingDir)
		session.POST("/approvals/respond", handler.RespondApproval)
	}

	cmds := router.Group("/commands")
	{
		cmds.GET("", handler.ListCommands)
		cmds.POST("", handler.SaveCommand)
		cmds.GET("/:name", handler.GetCommand)
		cmds.DELETE("/:name", handler.DeleteCommand)
		cmds.POST("/:name/run", handler.RunCommand)
	}
}
