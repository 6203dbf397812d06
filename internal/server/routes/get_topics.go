package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
)

// GetTopicStatusesHandler reports per-topic task progress. An optional
// ?topic= filter narrows the result to one topic.
func GetTopicStatusesHandler(c echo.Context) error {
	type topicStatusesResponse struct {
		Message string                `json:"message"`
		Topics  []*common.TopicStatus `json:"topics,omitempty"`
	}

	topicFilter := c.QueryParam("topic")

	ctx := c.Request().Context()
	statuses, err := c.(*middleware.AppContext).App.Store.TopicStatuses(ctx, topicFilter)
	if err != nil {
		logger.Error("[Server] Failed to load topic statuses", "err", err)
		return c.JSON(http.StatusInternalServerError, topicStatusesResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, topicStatusesResponse{
		Message: "OK",
		Topics:  statuses,
	})
}

// GetTopicGraphHandler returns every entity and relationship of one topic.
func GetTopicGraphHandler(c echo.Context) error {
	type topicGraphResponse struct {
		Message string             `json:"message"`
		Graph   *common.TopicGraph `json:"graph,omitempty"`
	}

	topicName := c.Param("topic")
	if topicName == "" {
		return c.JSON(http.StatusBadRequest, topicGraphResponse{
			Message: "Topic name is required",
		})
	}

	graph, err := c.(*middleware.AppContext).App.Query.TopicGraph(c.Request().Context(), topicName)
	if err != nil {
		logger.Error("[Server] Failed to load topic graph", "topic", topicName, "err", err)
		return c.JSON(http.StatusInternalServerError, topicGraphResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, topicGraphResponse{
		Message: "OK",
		Graph:   graph,
	})
}
