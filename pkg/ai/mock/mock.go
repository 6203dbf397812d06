// Package mock provides a test double for ai.GraphAIClient.
//
// The mock lets packages exercise extraction, blueprint generation, graph
// construction and querying without a live model. Behavior is injected via
// function fields; unset fields fall back to deterministic defaults so tests
// stay reproducible.
//
//	client := mock.NewClient()
//	client.CompletionWithFormatFunc = func(ctx context.Context, name, description, prompt string, out any) error {
//		return json.Unmarshal([]byte(`{"triplets":[]}`), out)
//	}
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/stratum-kg/stratum/pkg/ai"
)

// Client is a scriptable in-memory implementation of ai.GraphAIClient.
type Client struct {
	// CompletionFunc handles GenerateCompletion when set.
	CompletionFunc func(ctx context.Context, prompt string) (string, error)
	// CompletionWithFormatFunc handles GenerateCompletionWithFormat when
	// set. The schema name identifies which structured call is being made.
	CompletionWithFormatFunc func(ctx context.Context, name, description, prompt string, out any) error
	// EmbeddingFunc handles GenerateEmbedding when set.
	EmbeddingFunc func(ctx context.Context, input []byte) ([]float32, error)

	// Dimensions of default deterministic embeddings. Defaults to 8.
	Dimensions int

	mu                sync.Mutex
	completionCalls   int
	completionOptions []ai.GenerateOptions
	formatCalls       []string
	formatOptions     []ai.GenerateOptions
	embeddingCalls    int
	metrics           ai.ModelMetrics
}

// record resolves the options of one completion call and accumulates
// deterministic token metrics for it, so tests can observe both.
func (c *Client) record(prompt string, opts []ai.GenerateOption) ai.GenerateOptions {
	options := ai.GenerateOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	c.metrics.InputTokens += len(prompt) / 4
	c.metrics.OutputTokens += 16
	c.metrics.TotalTokens = c.metrics.InputTokens + c.metrics.OutputTokens
	c.metrics.DurationMs += 5
	return options
}

// NewClient creates a mock client with deterministic default behavior.
func NewClient() *Client {
	return &Client{Dimensions: 8}
}

// GenerateCompletion returns the scripted completion, or an echo of the
// prompt by default.
func (c *Client) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	c.mu.Lock()
	c.completionCalls++
	c.completionOptions = append(c.completionOptions, c.record(prompt, opts))
	c.mu.Unlock()

	if c.CompletionFunc != nil {
		return c.CompletionFunc(ctx, prompt)
	}
	return "mock completion", nil
}

// GenerateCompletionWithFormat dispatches to CompletionWithFormatFunc. When
// no function is set, the call fails: structured calls carry domain meaning
// and a test must script them explicitly.
func (c *Client) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	c.mu.Lock()
	c.formatCalls = append(c.formatCalls, name)
	c.formatOptions = append(c.formatOptions, c.record(prompt, opts))
	c.mu.Unlock()

	if c.CompletionWithFormatFunc != nil {
		return c.CompletionWithFormatFunc(ctx, name, description, prompt, out)
	}
	return fmt.Errorf("mock: no handler scripted for structured call %q", name)
}

// GenerateEmbedding returns a deterministic unit vector derived from the
// input hash, so identical inputs always embed identically.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	c.mu.Lock()
	c.embeddingCalls++
	c.mu.Unlock()

	if c.EmbeddingFunc != nil {
		return c.EmbeddingFunc(ctx, input)
	}

	dim := c.Dimensions
	if dim <= 0 {
		dim = 8
	}
	return DeterministicVector(string(input), dim), nil
}

// ResetMetrics clears the accumulated metrics.
func (c *Client) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the accumulated metrics.
func (c *Client) GetMetrics() ai.ModelMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// CompletionCalls reports how many plain completions were requested.
func (c *Client) CompletionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completionCalls
}

// FormatCalls reports the schema names of structured calls, in order.
func (c *Client) FormatCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.formatCalls))
	copy(out, c.formatCalls)
	return out
}

// FormatOptions reports the resolved generate options of structured calls,
// index-aligned with FormatCalls.
func (c *Client) FormatOptions() []ai.GenerateOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ai.GenerateOptions, len(c.formatOptions))
	copy(out, c.formatOptions)
	return out
}

// CompletionOptions reports the resolved generate options of plain
// completions, in call order.
func (c *Client) CompletionOptions() []ai.GenerateOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ai.GenerateOptions, len(c.completionOptions))
	copy(out, c.completionOptions)
	return out
}

// EmbeddingCalls reports how many embeddings were requested.
func (c *Client) EmbeddingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embeddingCalls
}

// DeterministicVector creates a reproducible embedding vector from text.
// It uses an FNV hash so the same text always produces the same vector.
func DeterministicVector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	for i := 0; i < dim; i++ {
		seed = seed*1664525 + 1013904223
		vector[i] = float32(seed%1000)/500.0 - 1.0
	}

	var sumSquares float32
	for _, v := range vector {
		sumSquares += v * v
	}
	if sumSquares > 0 {
		norm := 1.0 / float32(sumSquares)
		for i := range vector {
			vector[i] *= norm
		}
	}
	return vector
}
