package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/query"
)

// SearchRelationshipsHandler answers a similarity search over one topic's
// relationships.
func SearchRelationshipsHandler(c echo.Context) error {
	type searchBody struct {
		Query     string   `json:"query" validate:"required"`
		TopicName string   `json:"topic_name"`
		TopK      int      `json:"top_k"`
		Threshold *float64 `json:"threshold"`
	}

	type searchResponse struct {
		Message string                      `json:"message"`
		Hits    []common.ScoredRelationship `json:"hits"`
	}

	data := new(searchBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, searchResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, searchResponse{
			Message: "Invalid request body",
		})
	}

	threshold := query.DefaultThreshold
	if data.Threshold != nil {
		threshold = *data.Threshold
	}

	hits, err := c.(*middleware.AppContext).App.Query.SearchRelationships(c.Request().Context(), query.SearchParams{
		Query:     data.Query,
		TopicName: data.TopicName,
		TopK:      data.TopK,
		Threshold: threshold,
	})
	if err != nil {
		logger.Error("[Server] Relationship search failed", "topic", data.TopicName, "err", err)
		return c.JSON(http.StatusInternalServerError, searchResponse{
			Message: "Internal server error",
		})
	}
	if hits == nil {
		hits = []common.ScoredRelationship{}
	}

	return c.JSON(http.StatusOK, searchResponse{
		Message: "OK",
		Hits:    hits,
	})
}
