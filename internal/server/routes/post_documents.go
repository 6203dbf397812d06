package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/pipeline"
)

// IngestDocumentsHandler accepts a document batch for a topic and enqueues
// extraction work. Graph construction happens asynchronously in the daemons.
func IngestDocumentsHandler(c echo.Context) error {
	type documentItem struct {
		Name      string `json:"name" validate:"required"`
		Content   string `json:"content"`
		SourceRef string `json:"source_ref"`
	}

	type ingestDocumentsBody struct {
		TopicName  string         `json:"topic_name" validate:"required"`
		IsNewTopic bool           `json:"is_new_topic"`
		Items      []documentItem `json:"items" validate:"required,min=1,dive"`
	}

	type ingestDocumentsResponse struct {
		Message string           `json:"message"`
		Result  *pipeline.Result `json:"result,omitempty"`
	}

	data := new(ingestDocumentsBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestDocumentsResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestDocumentsResponse{
			Message: "Invalid request body",
		})
	}

	input := pipeline.InputInline
	items := make([]pipeline.Item, 0, len(data.Items))
	for _, item := range data.Items {
		if item.SourceRef != "" {
			input = pipeline.InputFileRef
		}
		items = append(items, pipeline.Item{
			Name:      item.Name,
			Content:   item.Content,
			SourceRef: item.SourceRef,
		})
	}

	stages := pipeline.SelectPipeline(pipeline.TargetDocument, input, data.IsNewTopic, len(items))
	pctx := &pipeline.Context{
		Target:     pipeline.TargetDocument,
		Input:      input,
		TopicName:  data.TopicName,
		IsNewTopic: data.IsNewTopic,
		Items:      items,
	}

	result, err := c.(*middleware.AppContext).App.Pipeline.Execute(c.Request().Context(), stages, pctx)
	if err != nil {
		logger.Error("[Server] Document ingestion failed", "topic", data.TopicName, "err", err)
		return c.JSON(http.StatusUnprocessableEntity, ingestDocumentsResponse{
			Message: "All items were rejected",
			Result:  result,
		})
	}

	return c.JSON(http.StatusAccepted, ingestDocumentsResponse{
		Message: "Documents accepted for processing",
		Result:  result,
	})
}
