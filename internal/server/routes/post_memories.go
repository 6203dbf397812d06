package routes

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/pipeline"
)

// IngestMemoryHandler stores a chat message batch as personal memory for a
// user. The batch is saved as a source directly; the graph daemon
// incorporates it on its next cycle.
func IngestMemoryHandler(c echo.Context) error {
	type memoryMessage struct {
		Role      string    `json:"role"`
		Content   string    `json:"content" validate:"required"`
		Timestamp time.Time `json:"timestamp"`
	}

	type ingestMemoryBody struct {
		UserID   string          `json:"user_id" validate:"required"`
		Name     string          `json:"name"`
		Messages []memoryMessage `json:"messages" validate:"required,min=1,dive"`
	}

	type ingestMemoryResponse struct {
		Message string           `json:"message"`
		Result  *pipeline.Result `json:"result,omitempty"`
	}

	data := new(ingestMemoryBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestMemoryResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestMemoryResponse{
			Message: "Invalid request body",
		})
	}

	messages := make([]common.Message, 0, len(data.Messages))
	for _, m := range data.Messages {
		messages = append(messages, common.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}

	name := data.Name
	if name == "" {
		name = "conversation from " + time.Now().Format("2006-01-02")
	}

	stages := pipeline.SelectPipeline(pipeline.TargetPersonalMemory, pipeline.InputMessages, false, 1)
	pctx := &pipeline.Context{
		Target: pipeline.TargetPersonalMemory,
		Input:  pipeline.InputMessages,
		UserID: data.UserID,
		Items:  []pipeline.Item{{Name: name, Messages: messages}},
	}

	result, err := c.(*middleware.AppContext).App.Pipeline.Execute(c.Request().Context(), stages, pctx)
	if err != nil {
		logger.Error("[Server] Memory ingestion failed", "user", data.UserID, "err", err)
		return c.JSON(http.StatusUnprocessableEntity, ingestMemoryResponse{
			Message: "Memory batch was rejected",
			Result:  result,
		})
	}

	return c.JSON(http.StatusAccepted, ingestMemoryResponse{
		Message: "Memory accepted for processing",
		Result:  result,
	})
}
