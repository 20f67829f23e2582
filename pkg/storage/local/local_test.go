package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelev/demjobs/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := writeTempFile(t, "dem.tif", "elevation data")
	err := s.Upload(ctx, "trusted", "validate/alice/202501150000/dem.tif", src, storage.UploadOptions{
		Metadata: map[string]string{"md5": "abc", "vnum": "7"},
	})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "trusted", "validate/alice/202501150000/dem.tif")
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := s.Head(ctx, "trusted", "validate/alice/202501150000/dem.tif")
	require.NoError(t, err)
	assert.Equal(t, int64(len("elevation data")), info.Size)
	assert.Equal(t, "7", info.Metadata["vnum"])

	dst := filepath.Join(t.TempDir(), "out", "dem.tif")
	require.NoError(t, s.Download(ctx, "trusted", "validate/alice/202501150000/dem.tif", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "elevation data", string(data))
}

func TestHeadMissingObject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Head(ctx, "trusted", "nope/missing.tif")
	assert.True(t, storage.IsNotFound(err))

	ok, err := s.Exists(ctx, "trusted", "nope/missing.tif")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListFiltersByPrefixAndHidesSidecars(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := writeTempFile(t, "f", "x")
	require.NoError(t, s.Upload(ctx, "untrusted", "validate/alice/202501150000/a.tif", src,
		storage.UploadOptions{Metadata: map[string]string{"k": "v"}}))
	require.NoError(t, s.Upload(ctx, "untrusted", "validate/alice/202501150000/b.tif", src, storage.UploadOptions{}))
	require.NoError(t, s.Upload(ctx, "untrusted", "validate/bob/202501150001/c.tif", src, storage.UploadOptions{}))

	infos, err := s.List(ctx, "untrusted", "validate/alice/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "validate/alice/202501150000/a.tif", infos[0].Key)
	assert.Equal(t, "validate/alice/202501150000/b.tif", infos[1].Key)
}

func TestListEmptyBucket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	infos, err := s.List(ctx, "never-created", "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := writeTempFile(t, "f", "x")
	require.NoError(t, s.Upload(ctx, "export", "validate/alice/202501150000/out.tif", src, storage.UploadOptions{}))
	require.NoError(t, s.Delete(ctx, "export", "validate/alice/202501150000/out.tif"))
	require.NoError(t, s.Delete(ctx, "export", "validate/alice/202501150000/out.tif"))

	ok, err := s.Exists(ctx, "export", "validate/alice/202501150000/out.tif")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyEscapeRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Head(ctx, "trusted", "../../etc/passwd")
	assert.Error(t, err)
}
