// Package loader abstracts where source documents live. Implementations
// fetch raw text from the local filesystem or object storage; the extraction
// daemon resolves task source references through this interface.
package loader

import "context"

// SourceFile identifies one document to load.
type SourceFile struct {
	ID     string
	Path   string
	Loader SourceLoader
}

// GetText retrieves the raw text content of the file using its Loader.
func (f *SourceFile) GetText(ctx context.Context) ([]byte, error) {
	return f.Loader.GetSourceText(ctx, *f)
}

// SourceLoader loads the contents of a SourceFile. Implementations may load
// from disk, cloud storage, or other backends, and are expected to cache.
type SourceLoader interface {
	GetSourceText(ctx context.Context, file SourceFile) ([]byte, error)
}

// CacheKey is the cache identity of a file across loader implementations.
func CacheKey(file SourceFile) string {
	if file.ID != "" {
		return file.ID
	}
	return file.Path
}
