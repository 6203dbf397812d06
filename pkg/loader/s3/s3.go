package s3

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"

	"github.com/stratum-kg/stratum/pkg/loader"
)

// S3SourceLoader loads documents from an S3 bucket using the AWS SDK v2.
// Contents are cached and concurrent fetches of the same key are collapsed.
type S3SourceLoader struct {
	bucket string
	client *s3.Client

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewS3SourceLoaderWithClient creates a loader on an existing s3.Client.
// Useful when reusing a preconfigured AWS client.
func NewS3SourceLoaderWithClient(bucket string, client *s3.Client) *S3SourceLoader {
	return &S3SourceLoader{
		bucket: bucket,
		client: client,
		cache:  make(map[string][]byte),
	}
}

// NewS3SourceLoaderParams configures a new S3SourceLoader. Endpoint allows
// overriding the S3 endpoint for S3-compatible storage like MinIO.
type NewS3SourceLoaderParams struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3SourceLoader creates a loader with an AWS S3 client configured from
// static credentials and the given endpoint and region.
func NewS3SourceLoader(ctx context.Context, params NewS3SourceLoaderParams) (*S3SourceLoader, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(params.Region),
		config.WithBaseEndpoint(params.Endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	return &S3SourceLoader{
		bucket: params.Bucket,
		client: s3.NewFromConfig(cfg),
		cache:  make(map[string][]byte),
	}, nil
}

// GetSourceText retrieves the object content from the configured bucket.
func (l *S3SourceLoader) GetSourceText(ctx context.Context, file loader.SourceFile) ([]byte, error) {
	cacheKey := loader.CacheKey(file)

	l.cacheMu.RLock()
	if cached, ok := l.cache[cacheKey]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(cacheKey, func() (any, error) {
		l.cacheMu.RLock()
		if cached, ok := l.cache[cacheKey]; ok {
			l.cacheMu.RUnlock()
			return cached, nil
		}
		l.cacheMu.RUnlock()

		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(file.Path),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return nil, err
		}

		byts := buf.Bytes()

		l.cacheMu.Lock()
		l.cache[cacheKey] = byts
		l.cacheMu.Unlock()

		return byts, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
