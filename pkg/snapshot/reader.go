package snapshot

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openelev/demjobs/pkg/storage"
)

// Reader implements the client side of the staleness protocol: metadata
// first, body only when behind.
type Reader struct {
	Store  storage.Store
	Bucket string
	Key    string
}

// Meta fetches the published copy's protocol metadata without touching
// the body. Returns nil when no copy has been published yet.
func (r *Reader) Meta(ctx context.Context) (*Meta, error) {
	return headMeta(ctx, r.Store, r.Bucket, r.Key)
}

// Stale reports whether a cached copy at localVnum is behind the
// published one, along with the published metadata. An unpublished
// snapshot is never stale.
func (r *Reader) Stale(ctx context.Context, localVnum int64) (bool, *Meta, error) {
	meta, err := r.Meta(ctx)
	if err != nil {
		return false, nil, err
	}
	if meta == nil {
		return false, nil, nil
	}
	return meta.Vnum > localVnum, meta, nil
}

// Fetch downloads the published copy to localPath.
func (r *Reader) Fetch(ctx context.Context, localPath string) error {
	return r.Store.Download(ctx, r.Bucket, r.Key, localPath)
}

// FetchIfStale downloads the body only when the published vnum is ahead
// of localVnum. Returns true when a download happened.
func (r *Reader) FetchIfStale(ctx context.Context, localVnum int64, localPath string) (bool, error) {
	stale, _, err := r.Stale(ctx, localVnum)
	if err != nil || !stale {
		return false, err
	}
	if err := r.Fetch(ctx, localPath); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Publisher) publishedMeta(ctx context.Context, key string) (*Meta, error) {
	return headMeta(ctx, p.Store, p.Bucket, key)
}

func headMeta(ctx context.Context, store storage.Store, bucket, key string) (*Meta, error) {
	info, err := store.Head(ctx, bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseMeta(info.Metadata)
}

func parseMeta(raw map[string]string) (*Meta, error) {
	meta := &Meta{
		ToolVersion:      raw[MetaToolVersion],
		MinClientVersion: raw[MetaMinClientVersion],
		MD5:              raw[MetaMD5],
	}
	var err error
	if meta.Vnum, err = parseMetaInt(raw, MetaVnum); err != nil {
		return nil, err
	}
	if meta.LatestJob, err = parseMetaInt(raw, MetaLatestJob); err != nil {
		return nil, err
	}
	if meta.EarliestJob, err = parseMetaInt(raw, MetaEarliestJob); err != nil {
		return nil, err
	}
	return meta, nil
}

func parseMetaInt(raw map[string]string, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snapshot metadata %s=%q is not an integer", key, v)
	}
	return n, nil
}
