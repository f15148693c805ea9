package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/route"
)

// Register mounts every route on r.
func Register(r *route.Engine, h *TaskHandler) {
	taskGroup := r.Group("/tasks", RequireUser)
	{
		taskGroup.GET("", h.ListTasks)
		taskGroup.POST("", h.CreateTask)
		taskGroup.GET("/:id", h.GetTask)
		taskGroup.PATCH("/:id", h.UpdateTask)
		taskGroup.DELETE("/:id", h.DeleteTask)
		taskGroup.POST("/:id/toggle", h.ToggleStatus)
		taskGroup.POST("/:id/run", h.RunNow)
		taskGroup.GET("/:id/runs", h.ListRuns)
		taskGroup.GET("/:id/campaigns/:actionId", h.GetCampaign)
		taskGroup.POST("/:id/campaigns/:actionId/close", h.CloseCampaign)
	}
	r.Any("/hooks/:key", h.Webhook)
	r.POST("/replies", h.Reply)

	r.GET("/ping", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
}
