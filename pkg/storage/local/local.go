// Package local implements storage.Store on the local filesystem.
//
// Buckets are directories under BaseDir and keys are relative paths
// inside them. Object metadata is kept in a sidecar ".meta.json" file
// next to the object. Intended for development and tests.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openelev/demjobs/pkg/storage"
)

const metaSuffix = ".meta.json"

// Store is a filesystem-backed object store.
type Store struct {
	baseDir string
}

var _ storage.Store = (*Store)(nil)

// New creates a store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base dir is required")
	}
	base := filepath.Clean(baseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: base}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) objectPath(bucket, key string) (string, error) {
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	full := filepath.Join(s.baseDir, rel)
	clean := filepath.Clean(full)
	if !strings.HasPrefix(clean, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the store root", key)
	}
	return clean, nil
}

func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_ = ctx
	full, err := s.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &storage.OpError{Op: "Exists", Bucket: bucket, Key: key, Err: err}
	}
	return !st.IsDir(), nil
}

func (s *Store) Head(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	_ = ctx
	full, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		return nil, &storage.OpError{Op: "Head", Bucket: bucket, Key: key, Err: storage.ErrNotFound}
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}
	if meta, err := readMeta(full); err == nil {
		info.Metadata = meta
	}
	return info, nil
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	_ = ctx
	root := filepath.Join(s.baseDir, bucket)
	var infos []storage.ObjectInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, storage.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &storage.OpError{Op: "List", Bucket: bucket, Key: prefix, Err: err}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Download(ctx context.Context, bucket, key, localPath string) error {
	_ = ctx
	full, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	src, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.OpError{Op: "Download", Bucket: bucket, Key: key, Err: storage.ErrNotFound}
		}
		return &storage.OpError{Op: "Download", Bucket: bucket, Key: key, Err: err}
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy to %s: %w", localPath, err)
	}
	return dst.Close()
}

func (s *Store) Upload(ctx context.Context, bucket, key, localPath string, opts storage.UploadOptions) error {
	_ = ctx
	full, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &storage.OpError{Op: "Upload", Bucket: bucket, Key: key, Err: err}
	}
	dst, err := os.Create(full)
	if err != nil {
		return &storage.OpError{Op: "Upload", Bucket: bucket, Key: key, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return &storage.OpError{Op: "Upload", Bucket: bucket, Key: key, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &storage.OpError{Op: "Upload", Bucket: bucket, Key: key, Err: err}
	}

	if len(opts.Metadata) > 0 {
		if err := writeMeta(full, opts.Metadata); err != nil {
			return &storage.OpError{Op: "Upload", Bucket: bucket, Key: key, Err: err}
		}
	} else {
		_ = os.Remove(full + metaSuffix)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_ = ctx
	full, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return &storage.OpError{Op: "Delete", Bucket: bucket, Key: key, Err: err}
	}
	_ = os.Remove(full + metaSuffix)
	return nil
}

func readMeta(objectPath string) (map[string]string, error) {
	data, err := os.ReadFile(objectPath + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func writeMeta(objectPath string, meta map[string]string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(objectPath+metaSuffix, data, 0o644)
}
