package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/stratum-kg/stratum/pkg/ai"
)

// GraphOpenAIClient is an OpenAI-compatible implementation of
// ai.GraphAIClient. It manages separate clients for embeddings and
// chat/completion tasks, so both can point at different endpoints.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	embeddingModel  string
	completionModel string

	embeddingURL string
	chatURL      string

	timeoutMin int64

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	embeddingLock *semaphore.Weighted

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration for creating a new
// GraphOpenAIClient.
//
// EmbeddingModel specifies the model used for embeddings.
// CompletionModel specifies the model used for completions and structured
// extraction. EmbeddingURL/EmbeddingKey and ChatURL/ChatKey configure the
// two API endpoints; leave the URL empty for the default OpenAI endpoint.
type NewGraphOpenAIClientParams struct {
	EmbeddingModel  string
	CompletionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	// RequestTimeoutMin bounds a single embedding request, in minutes.
	// Defaults to 5.
	RequestTimeoutMin int64
	// MaxParallelEmbeddings bounds concurrent embedding requests.
	// Defaults to 4.
	MaxParallelEmbeddings int64
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient
// configured with the provided parameters.
//
// Example:
//
//	params := openai.NewGraphOpenAIClientParams{
//		EmbeddingModel:  "text-embedding-3-small",
//		CompletionModel: "gpt-4o-mini",
//		EmbeddingKey:    os.Getenv("OPENAI_API_KEY"),
//		ChatKey:         os.Getenv("OPENAI_API_KEY"),
//	}
//	client := openai.NewGraphOpenAIClient(params)
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	timeout := params.RequestTimeoutMin
	if timeout <= 0 {
		timeout = 5
	}
	parallel := params.MaxParallelEmbeddings
	if parallel <= 0 {
		parallel = 4
	}

	return &GraphOpenAIClient{
		embeddingModel:  params.EmbeddingModel,
		completionModel: params.CompletionModel,

		embeddingURL: params.EmbeddingURL,
		chatURL:      params.ChatURL,

		timeoutMin: timeout,

		metricsLock:   sync.Mutex{},
		embeddingLock: semaphore.NewWeighted(parallel),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

func (c *GraphOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += delta.InputTokens
	c.metrics.OutputTokens += delta.OutputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
	if c.metrics.DurationMs > 0 {
		c.metrics.TokenPerSecond = float32(c.metrics.OutputTokens) / (float32(c.metrics.DurationMs) / 1000.0)
	}
}

// ResetMetrics clears the accumulated model metrics.
func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns a snapshot of the accumulated model metrics.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
