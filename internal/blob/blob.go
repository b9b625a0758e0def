// Package blob is the object store behind transcripts, media, and agent
// workspace files. Keys are slash-separated paths; each object carries a
// content type and free-form custom metadata.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("blob: object not found")

// Metadata is the custom metadata attached to an object.
type Metadata map[string]string

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key         string   `json:"key"`
	Size        int64    `json:"size"`
	ContentType string   `json:"contentType,omitempty"`
	Custom      Metadata `json:"custom,omitempty"`
}

// Store is the object store contract the core consumes.
type Store interface {
	// Put writes the full body under key, replacing any prior object.
	Put(ctx context.Context, key string, body []byte, contentType string, custom Metadata) error
	// Get opens the object for reading. Caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	// Head returns object info only.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// Delete removes the object. Absent keys are not an error.
	Delete(ctx context.Context, key string) error
	// List returns infos for all objects under the key prefix, sorted.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ReadAll fetches the whole object body.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, *ObjectInfo, error) {
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
