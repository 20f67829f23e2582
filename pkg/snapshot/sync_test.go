package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/storage/local"
)

func TestSyncOnStartNeitherExists(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	action, err := SyncOnStart(ctx, store, testBucket, "jobs.db",
		filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
}

func TestSyncOnStartLocalOnly(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jobs.db")
	led, err := ledger.Open(ctx, ledger.Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, led.Close())

	action, err := SyncOnStart(ctx, store, testBucket, "jobs.db", path, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionLocalAhead, action)
}

func TestSyncOnStartRemoteAheadDownloads(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	createJob(t, led, 202501150000, "alice")
	require.NoError(t, led.SetVersion(ctx, 4))
	require.NoError(t, p.Publish(ctx, false))

	// A stale cached copy at vnum 2.
	cached := filepath.Join(t.TempDir(), "jobs.db")
	cachedLed, err := ledger.Open(ctx, ledger.Config{Path: cached})
	require.NoError(t, err)
	require.NoError(t, cachedLed.SetVersion(ctx, 2))
	require.NoError(t, cachedLed.Close())

	action, err := SyncOnStart(ctx, store, testBucket, "jobs.db", cached, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionDownloaded, action)

	vnum, exists, err := localVersion(ctx, cached)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(5), vnum)
}

func TestSyncOnStartLocalAhead(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	createJob(t, led, 202501150000, "alice")
	require.NoError(t, p.Publish(ctx, false))

	ahead := filepath.Join(t.TempDir(), "jobs.db")
	aheadLed, err := ledger.Open(ctx, ledger.Config{Path: ahead})
	require.NoError(t, err)
	require.NoError(t, aheadLed.SetVersion(ctx, 9))
	require.NoError(t, aheadLed.Close())

	action, err := SyncOnStart(ctx, store, testBucket, "jobs.db", ahead, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionLocalAhead, action)
}
