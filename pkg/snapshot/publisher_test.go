package snapshot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/storage/local"
)

const testBucket = "dem-database"

func publisherFixture(t *testing.T) (*Publisher, *ledger.Store, *local.Store) {
	t.Helper()
	ctx := context.Background()

	led, err := ledger.Open(ctx, ledger.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	p := &Publisher{
		Ledger:           led,
		Store:            store,
		Bucket:           testBucket,
		Key:              "jobs.db",
		LatestKey:        "jobs_latest.db",
		ToolVersion:      "0.4.2",
		MinClientVersion: "0.3.0",
		LatestJobs:       1,
		LatestDays:       1,
	}
	return p, led, store
}

func createJob(t *testing.T, led *ledger.Store, id int64, username string) {
	t.Helper()
	_, res, err := led.CreateJob(context.Background(), ledger.CreateJobParams{
		JobID:        id,
		Username:     username,
		JobName:      "test",
		Command:      "validate",
		ConfigFile:   "c.yaml",
		ImportPrefix: "p",
		ImportBucket: "b",
		Status:       ledger.JobComplete,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.Created, res)
}

func TestPublishBumpsVnumOncePerCycle(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	// Several mutations before one cycle.
	createJob(t, led, 202501150000, "alice")
	createJob(t, led, 202501150001, "bob")
	createJob(t, led, 202501150002, "carol")

	require.NoError(t, p.Publish(ctx, false))

	vnum, err := led.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vnum)

	info, err := store.Head(ctx, testBucket, "jobs.db")
	require.NoError(t, err)
	assert.Equal(t, "1", info.Metadata[MetaVnum])
	assert.Equal(t, "0.4.2", info.Metadata[MetaToolVersion])
	assert.Equal(t, "202501150002", info.Metadata[MetaLatestJob])
	assert.Equal(t, "202501150000", info.Metadata[MetaEarliestJob])
	assert.Len(t, info.Metadata[MetaMD5], 32)

	createJob(t, led, 202501150003, "dave")
	require.NoError(t, p.Publish(ctx, false))

	vnum, err = led.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), vnum)
}

func TestConcurrentPublishesSerialize(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	createJob(t, led, 202501150000, "alice")

	// The debounced loop and a post-job publish can fire together; each
	// cycle must run whole so copies land in vnum order.
	const cycles = 4
	errs := make(chan error, cycles)
	var wg sync.WaitGroup
	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Publish(ctx, false)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	vnum, err := led.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(cycles), vnum)

	// The last copy uploaded carries the last vnum bumped.
	info, err := store.Head(ctx, testBucket, "jobs.db")
	require.NoError(t, err)
	assert.Equal(t, "4", info.Metadata[MetaVnum])
}

func TestPublishOnlyIfNewerSkips(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	createJob(t, led, 202501150000, "alice")
	require.NoError(t, p.Publish(ctx, false))

	// Nothing changed: the guarded publish must not bump vnum or touch
	// the published copy.
	require.NoError(t, p.Publish(ctx, true))

	vnum, err := led.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vnum)

	info, err := store.Head(ctx, testBucket, "jobs.db")
	require.NoError(t, err)
	assert.Equal(t, "1", info.Metadata[MetaVnum])
}

func TestReaderStalenessProtocol(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	createJob(t, led, 202501150000, "alice")
	require.NoError(t, p.Publish(ctx, false))

	r := &Reader{Store: store, Bucket: testBucket, Key: "jobs.db"}

	stale, meta, err := r.Stale(ctx, 0)
	require.NoError(t, err)
	assert.True(t, stale)
	require.NotNil(t, meta)
	assert.Equal(t, int64(1), meta.Vnum)

	stale, _, err = r.Stale(ctx, 1)
	require.NoError(t, err)
	assert.False(t, stale)

	dest := filepath.Join(t.TempDir(), "cached.db")
	downloaded, err := r.FetchIfStale(ctx, 0, dest)
	require.NoError(t, err)
	assert.True(t, downloaded)

	cached, err := ledger.Open(ctx, ledger.Config{Path: dest})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	vnum, err := cached.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vnum)
	ok, err := cached.JobExists(ctx, 202501150000, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	downloaded, err = r.FetchIfStale(ctx, vnum, dest)
	require.NoError(t, err)
	assert.False(t, downloaded)
}

func TestReaderUnpublishedIsNeverStale(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	r := &Reader{Store: store, Bucket: testBucket, Key: "jobs.db"}
	stale, meta, err := r.Stale(ctx, 0)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Nil(t, meta)
}

func TestLatestCopyDropsOldJobs(t *testing.T) {
	ctx := context.Background()
	p, led, store := publisherFixture(t)

	recentID, err := led.NextJobID(ctx, time.Now().UTC())
	require.NoError(t, err)
	createJob(t, led, 202001010000, "ancient")
	createJob(t, led, recentID, "alice")

	require.NoError(t, p.Publish(ctx, false))

	dest := filepath.Join(t.TempDir(), "latest.db")
	require.NoError(t, store.Download(ctx, testBucket, "jobs_latest.db", dest))

	latest, err := ledger.Open(ctx, ledger.Config{Path: dest})
	require.NoError(t, err)
	defer func() { _ = latest.Close() }()

	ok, err := latest.JobExists(ctx, recentID, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "recent job survives the trim")

	ok, err = latest.JobExists(ctx, 202001010000, "ancient")
	require.NoError(t, err)
	assert.False(t, ok, "old job is trimmed from the latest copy")

	// The full copy keeps everything.
	full := filepath.Join(t.TempDir(), "full.db")
	require.NoError(t, store.Download(ctx, testBucket, "jobs.db", full))
	fullLed, err := ledger.Open(ctx, ledger.Config{Path: full})
	require.NoError(t, err)
	defer func() { _ = fullLed.Close() }()

	ok, err = fullLed.JobExists(ctx, 202001010000, "ancient")
	require.NoError(t, err)
	assert.True(t, ok)
}
