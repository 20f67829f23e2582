package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJobParams(jobID int64, username string) CreateJobParams {
	return CreateJobParams{
		JobID:        jobID,
		Username:     username,
		JobName:      username + "_202501150000",
		Command:      "validate",
		CommandArgs:  "validate --files dem.tif",
		ConfigFile:   "demjobs_config.yaml",
		ImportPrefix: "untrusted/validate/" + username + "/202501150000",
		ImportBucket: "demjobs-untrusted",
		PayloadHash:  "hash-a",
		Status:       JobInitialized,
	}
}

func TestCreateJobIdempotentResubmission(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job, res, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.Equal(t, JobInitialized, job.Status)

	// Same pair, same payload: no new row, no reprocessing.
	again, res, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	assert.Equal(t, Resubmitted, res)
	assert.Equal(t, job.JobID, again.JobID)

	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateJobRaceTieBreak(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := testJobParams(202501150000, "alice")
	_, res, err := s.CreateJob(ctx, first)
	require.NoError(t, err)
	require.Equal(t, Created, res)

	// Same pair, different payload: first writer wins, second is not
	// merged or rejected.
	second := testJobParams(202501150000, "alice")
	second.PayloadHash = "hash-b"
	second.CommandArgs = "validate --files other.tif"
	winner, res, err := s.CreateJob(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, PayloadConflict, res)
	assert.Equal(t, "hash-a", winner.PayloadHash)
	assert.Equal(t, "validate --files dem.tif", winner.CommandArgs)

	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSameJobIDDifferentUsersCoexist(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, res, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	require.Equal(t, Created, res)

	_, res, err = s.CreateJob(ctx, testJobParams(202501150000, "bob"))
	require.NoError(t, err)
	require.Equal(t, Created, res)

	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobComplete))
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "bob", JobError))

	a, err := s.GetJob(ctx, 202501150000, "alice")
	require.NoError(t, err)
	b, err := s.GetJob(ctx, 202501150000, "bob")
	require.NoError(t, err)
	assert.Equal(t, JobComplete, a.Status)
	assert.Equal(t, JobError, b.Status)
}

func TestCreateJobRejectsOutOfEpochID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := testJobParams(199912310000, "alice")
	_, _, err := s.CreateJob(ctx, p)
	require.Error(t, err)

	exists, err := s.JobExists(ctx, 199912310000, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNextJobIDStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	id1, err := s.NextJobID(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(202501150000), id1)

	_, _, err = s.CreateJob(ctx, testJobParams(id1, "alice"))
	require.NoError(t, err)

	id2, err := s.NextJobID(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(202501150001), id2)
	assert.Greater(t, id2, id1)
}

func TestDeleteJobCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)

	for _, fname := range []string{"dem.tif", "coastline.shp"} {
		require.NoError(t, s.UpsertFile(ctx, UpsertFileParams{
			JobID: 202501150000, Username: "alice", Filename: fname,
			ImportOrExport: FileImport, SizeBytes: 1024, Status: FileDownloaded,
		}))
	}
	require.NoError(t, s.RecordNotification(ctx, 202501150000, "alice", "subject", `{"MessageId":"m-1"}`))

	require.NoError(t, s.DeleteJob(ctx, 202501150000, "alice"))

	files, err := s.ListFilesForJob(ctx, 202501150000, "alice")
	require.NoError(t, err)
	assert.Empty(t, files)

	notes, err := s.ListNotificationsForJob(ctx, 202501150000, "alice")
	require.NoError(t, err)
	assert.Empty(t, notes)

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM files`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestUpsertFileRejectsMalformedMD5(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)

	// 31 hex characters: rejected at write time, never stored.
	bad := "0123456789abcdef0123456789abcde"
	err = s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: "dem.tif",
		ImportOrExport: FileImport, SizeBytes: 10, MD5: &bad,
		Status: FileDownloaded,
	})
	require.Error(t, err)

	exists, err := s.FileExists(ctx, 202501150000, "alice", "dem.tif")
	require.NoError(t, err)
	assert.False(t, exists)

	good := "0123456789abcdef0123456789abcdef"
	require.NoError(t, s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: "dem.tif",
		ImportOrExport: FileImport, SizeBytes: 10, MD5: &good,
		Status: FileDownloaded,
	}))
}

func TestUpsertFileRejectsOrphans(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "nobody", Filename: "dem.tif",
		ImportOrExport: FileImport, Status: FileUnprocessed,
	})
	require.Error(t, err)
}

func TestSetJobStatusKillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobComplete))

	// Killing an already-terminal job is a no-op, not an error.
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobKilled))

	j, err := s.GetJob(ctx, 202501150000, "alice")
	require.NoError(t, err)
	assert.Equal(t, JobComplete, j.Status)
}

func TestSetJobStatusTerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobRunning))
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobKilled))

	// A runner finishing after the kill cannot flip the verdict.
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobComplete))

	j, err := s.GetJob(ctx, 202501150000, "alice")
	require.NoError(t, err)
	assert.Equal(t, JobKilled, j.Status)
}

func TestSetJobStatusRejectsUnknownValue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	require.ErrorIs(t, s.SetJobStatus(ctx, 202501150000, "alice", JobStatus("paused")), ErrInvalidStatus)
}

func TestVersionCounter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v0, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v0)

	v1, err := s.IncrementVersion(ctx)
	require.NoError(t, err)
	v2, err := s.IncrementVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)
	assert.Equal(t, v1+1, v2)

	// The pinned single row makes a second row structurally impossible.
	_, err = s.db.ExecContext(ctx, `INSERT INTO vnumber (id, vnum) VALUES (2, 99)`)
	require.Error(t, err)
}

func TestMutationCounterAdvancesOnWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	before := s.Mutations()
	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	require.NoError(t, s.SetJobStatus(ctx, 202501150000, "alice", JobRunning))
	assert.Equal(t, before+2, s.Mutations())
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	filter := "alice"
	sub := Subscription{
		Username:        "alice",
		UserEmail:       "alice@example.com",
		TopicARN:        "arn:aws:sns:us-east-1:123456789012:demjobs",
		UsernameFilter:  &filter,
		SubscriptionARN: "arn:aws:sns:us-east-1:123456789012:demjobs:sub-1",
	}
	require.NoError(t, s.AddSubscription(ctx, sub))

	got, err := s.LookupSubscription(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice@example.com", got.UserEmail)

	// Append-only history: a second subscribe records a new row and
	// lookups return the newest.
	sub.SubscriptionARN = "arn:aws:sns:us-east-1:123456789012:demjobs:sub-2"
	require.NoError(t, s.AddSubscription(ctx, sub))
	got, err = s.LookupSubscription(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:demjobs:sub-2", got.SubscriptionARN)

	// No subscription is not an error.
	none, err := s.LookupSubscription(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.RemoveSubscription(ctx, "alice@example.com"))
	none, err = s.LookupSubscription(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, none)

	t.Run("constraints", func(t *testing.T) {
		bad := sub
		bad.UserEmail = "not-an-email"
		require.Error(t, s.AddSubscription(ctx, bad))

		bad = sub
		bad.TopicARN = "short"
		require.Error(t, s.AddSubscription(ctx, bad))
	})
}

func TestListUnfinishedJobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	p := testJobParams(202501150001, "bob")
	_, _, err = s.CreateJob(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.SetJobStatus(ctx, 202501150001, "bob", JobComplete))

	unfinished, err := s.ListUnfinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "alice", unfinished[0].Username)
}

func TestArchiveBefore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, Config{Path: dir + "/jobs.db"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	old := testJobParams(202501010000, "alice")
	old.PayloadHash = "old"
	_, _, err = s.CreateJob(ctx, old)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501010000, Username: "alice", Filename: "dem.tif",
		ImportOrExport: FileImport, SizeBytes: 5, Status: FileProcessed,
	}))

	recent := testJobParams(202501150000, "bob")
	_, _, err = s.CreateJob(ctx, recent)
	require.NoError(t, err)

	cutoff := time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)
	archivePath, err := s.ArchiveBefore(ctx, cutoff, dir+"/archive")
	require.NoError(t, err)
	require.NotEmpty(t, archivePath)

	// The live ledger keeps only the recent job, with no orphaned files.
	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(202501150000), jobs[0].JobID)

	files, err := s.ListFilesForJob(ctx, 202501010000, "alice")
	require.NoError(t, err)
	assert.Empty(t, files)

	// A second archive pass with nothing old enough is a no-op.
	again, err := s.ArchiveBefore(ctx, cutoff, dir+"/archive")
	require.NoError(t, err)
	assert.Empty(t, again)
}
