// Package setup wires application services from the environment. It is
// shared by the HTTP server and the daemon CLI so both read the same
// configuration.
package setup

import (
	"context"
	"fmt"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/ai"
	oll "github.com/stratum-kg/stratum/pkg/ai/ollama"
	oai "github.com/stratum-kg/stratum/pkg/ai/openai"
	"github.com/stratum-kg/stratum/pkg/loader"
	loaderio "github.com/stratum-kg/stratum/pkg/loader/io"
	loaders3 "github.com/stratum-kg/stratum/pkg/loader/s3"
)

// NewAIClientFromEnv builds the model client selected by AI_ADAPTER.
// Supported adapters are "openai" (the default) and "ollama".
func NewAIClientFromEnv() (ai.GraphAIClient, error) {
	switch adapter := util.GetEnvString("AI_ADAPTER", "openai"); adapter {
	case "ollama":
		client, err := oll.NewGraphOllamaClient(oll.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvInt("AI_PARALLEL_REQ", 15)),
		})
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		return client, nil
	case "openai":
		return oai.NewGraphOpenAIClient(oai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxParallelEmbeddings: int64(util.GetEnvInt("AI_PARALLEL_REQ", 15)),
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI adapter %q", adapter)
	}
}

// NewLoaderFromEnv builds the source loader used to resolve file
// references: S3 when AWS_BUCKET is configured, local filesystem otherwise.
func NewLoaderFromEnv(ctx context.Context) (loader.SourceLoader, error) {
	bucket := util.GetEnv("AWS_BUCKET")
	if bucket == "" {
		return loaderio.NewIOSourceLoader(), nil
	}
	l, err := loaders3.NewS3SourceLoader(ctx, loaders3.NewS3SourceLoaderParams{
		Bucket:    bucket,
		Endpoint:  util.GetEnv("AWS_ENDPOINT"),
		Region:    util.GetEnv("AWS_REGION"),
		AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
		SecretKey: util.GetEnv("AWS_SECRET_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 loader: %w", err)
	}
	return l, nil
}
