package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/asknon-api/internal/middleware"
	"github.com/noah-isme/asknon-api/internal/models"
)

// Handlers groups every API handler for route registration. Auth is nil in production.
type Handlers struct {
	Sessions   *SessionHandler
	Questions  *QuestionHandler
	Moderation *ModerationHandler
	Exports    *ExportHandler
	Auth       *AuthHandler
}

// RegisterRoutes mounts the API under api.
func RegisterRoutes(api *gin.RouterGroup, h Handlers, tokens middleware.TokenValidator) {
	teacher := middleware.RequireRoles(models.RoleTeacher)
	student := middleware.RequireRoles(models.RoleStudent)
	participant := middleware.RequireRoles(models.RoleTeacher, models.RoleStudent)
	display := middleware.RequireRoles(models.RoleTeacher, models.RoleDevice)

	if h.Auth != nil {
		api.POST("/auth/token", h.Auth.Token)
	}
	if h.Exports != nil {
		api.GET("/export/:token", h.Exports.Download)
	}

	secured := api.Group("", middleware.JWT(tokens))

	sessions := secured.Group("/sessions")
	sessions.POST("", teacher, h.Sessions.Ensure)
	sessions.POST("/join", participant, h.Sessions.Join)
	sessions.GET("/:id", participant, h.Sessions.Get)
	sessions.DELETE("/:id", teacher, h.Sessions.Teardown)
	sessions.GET("/:id/events", participant, h.Sessions.Events)

	sessions.POST("/:id/questions", student, h.Questions.Submit)
	sessions.GET("/:id/questions/mine", student, h.Questions.Mine)
	sessions.DELETE("/:id/questions/mine/:questionId", student, h.Questions.Withdraw)

	sessions.POST("/:id/questions/approve-all", teacher, h.Moderation.ApproveAll)
	sessions.GET("/:id/questions/pending-count", teacher, h.Moderation.PendingCount)
	sessions.GET("/:id/moderation/stream", teacher, h.Moderation.Stream)
	sessions.POST("/:id/motion", teacher, h.Moderation.Motion)
	sessions.GET("/:id/projection", display, h.Moderation.Projection)
	sessions.GET("/:id/projection/stream", display, h.Moderation.ProjectionStream)
	if h.Exports != nil {
		sessions.POST("/:id/export", teacher, h.Exports.Generate)
	}

	questions := secured.Group("/questions", teacher)
	questions.POST("/:id/approve", h.Moderation.Approve)
	questions.POST("/:id/answer", h.Moderation.Answer)
	questions.POST("/:id/reject", h.Moderation.Reject)
	questions.DELETE("/:id", h.Moderation.Delete)
}
