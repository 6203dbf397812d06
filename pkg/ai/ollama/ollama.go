package ollama

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/stratum-kg/stratum/pkg/ai"
)

// GraphOllamaClient implements ai.GraphAIClient against a locally-hosted
// Ollama server.
type GraphOllamaClient struct {
	embeddingModel  string
	completionModel string

	timeoutMin int64

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client

	Client *api.Client
}

// NewGraphOllamaClientParams contains configuration options for creating a
// new GraphOllamaClient.
type NewGraphOllamaClientParams struct {
	EmbeddingModel  string
	CompletionModel string

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	// RequestTimeoutMin bounds a single embedding request, in minutes.
	// Defaults to 5.
	RequestTimeoutMin int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewGraphOllamaClient creates a new Ollama-based AI client with the
// specified configuration. It connects to the Ollama server at the given
// BaseURL (or the default if empty) and uses the configured models for
// completions and embeddings.
func NewGraphOllamaClient(
	params NewGraphOllamaClientParams,
) (*GraphOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	cli := api.NewClient(u, httpClient)

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	timeout := params.RequestTimeoutMin
	if timeout <= 0 {
		timeout = 5
	}

	return &GraphOllamaClient{
		embeddingModel:  params.EmbeddingModel,
		completionModel: params.CompletionModel,

		timeoutMin: timeout,

		reqLock: semaphore.NewWeighted(maxConcurrent),

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		baseURL:    u,
		apiKey:     params.ApiKey,
		httpClient: httpClient,

		Client: cli,
	}, nil
}

// LoadModel triggers a load of the completion model on the Ollama server so
// the first real request does not pay the model startup cost.
func (c *GraphOllamaClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	options := ai.GenerateOptions{
		Model: c.completionModel,
	}
	for _, o := range opts {
		o(&options)
	}

	req := &api.ChatRequest{
		Model: options.Model,
	}

	return c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		return nil
	})
}
