package routes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
)

// GetFailedTasksHandler lists failed extraction tasks with their error
// messages, newest first.
func GetFailedTasksHandler(c echo.Context) error {
	type failedTasksResponse struct {
		Message string                   `json:"message"`
		Tasks   []*common.GraphBuildTask `json:"tasks"`
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, failedTasksResponse{
				Message: "Invalid limit",
			})
		}
		limit = parsed
	}

	tasks, err := c.(*middleware.AppContext).App.Store.FailedTasks(c.Request().Context(), limit)
	if err != nil {
		logger.Error("[Server] Failed to load failed tasks", "err", err)
		return c.JSON(http.StatusInternalServerError, failedTasksResponse{
			Message: "Internal server error",
		})
	}
	if tasks == nil {
		tasks = []*common.GraphBuildTask{}
	}

	return c.JSON(http.StatusOK, failedTasksResponse{
		Message: "OK",
		Tasks:   tasks,
	})
}

// RequeueTaskHandler puts a failed task back into the pending queue. Tasks
// never retry on their own; this is the operator's lever.
func RequeueTaskHandler(c echo.Context) error {
	type requeueResponse struct {
		Message string                 `json:"message"`
		Task    *common.GraphBuildTask `json:"task,omitempty"`
	}

	taskID := c.Param("id")
	if taskID == "" {
		return c.JSON(http.StatusBadRequest, requeueResponse{
			Message: "Task ID is required",
		})
	}

	ctx := c.Request().Context()
	s := c.(*middleware.AppContext).App.Store

	if err := s.RequeueTask(ctx, taskID); err != nil {
		logger.Error("[Server] Failed to requeue task", "task", taskID, "err", err)
		return c.JSON(http.StatusConflict, requeueResponse{
			Message: "Task cannot be requeued",
		})
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("[Server] Failed to load requeued task", "task", taskID, "err", err)
		return c.JSON(http.StatusInternalServerError, requeueResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, requeueResponse{
		Message: "Task requeued",
		Task:    task,
	})
}
