package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const metaSuffix = ".meta.json"

// FSStore keeps objects as files under a root directory with a JSON
// sidecar per object for content type and custom metadata.
type FSStore struct {
	root string
}

// NewFS builds a store rooted at dir, creating it if needed.
func NewFS(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

type sidecar struct {
	ContentType string   `json:"contentType,omitempty"`
	Custom      Metadata `json:"custom,omitempty"`
}

func (s *FSStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *FSStore) Put(ctx context.Context, key string, body []byte, contentType string, custom Metadata) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	meta, err := json.Marshal(sidecar{ContentType: contentType, Custom: custom})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	if err := os.WriteFile(p+metaSuffix, meta, 0o644); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) info(key, p string) (*ObjectInfo, error) {
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	out := &ObjectInfo{Key: key, Size: st.Size()}
	if data, err := os.ReadFile(p + metaSuffix); err == nil {
		var sc sidecar
		if json.Unmarshal(data, &sc) == nil {
			out.ContentType = sc.ContentType
			out.Custom = sc.Custom
		}
	}
	return out, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, nil, err
	}
	info, err := s.info(key, p)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	return f, info, nil
}

func (s *FSStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return s.info(key, p)
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	os.Remove(p + metaSuffix)
	return nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(p, metaSuffix) || strings.HasSuffix(p, ".tmp") {
			return err
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, infoErr := s.info(key, p)
		if infoErr != nil {
			return nil
		}
		out = append(out, *info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
