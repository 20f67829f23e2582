package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from FileStatus
		to   FileStatus
		want bool
	}{
		{"happy path download", FileUnprocessed, FileDownloaded, true},
		{"happy path processing", FileDownloaded, FileProcessing, true},
		{"happy path processed", FileProcessing, FileProcessed, true},
		{"happy path uploaded", FileProcessed, FileUploaded, true},
		{"timeout before arrival", FileUnprocessed, FileTimeout, true},
		{"quarantine before arrival", FileUnprocessed, FileQuarantined, true},
		{"quarantine after download", FileDownloaded, FileQuarantined, true},
		{"quarantine mid-processing", FileProcessing, FileQuarantined, true},
		{"no quarantine after processed", FileProcessed, FileQuarantined, false},
		{"no skip to processed", FileUnprocessed, FileProcessed, false},
		{"no upload from downloaded", FileDownloaded, FileUploaded, false},
		{"terminal stays terminal", FileUploaded, FileProcessing, false},
		{"quarantine is final", FileQuarantined, FileDownloaded, false},
		{"timeout is final", FileTimeout, FileDownloaded, false},
		{"crash recovery collapse", FileProcessing, FileUnknown, true},
		{"terminal does not collapse", FileUploaded, FileUnknown, false},
		{"recovered file restarts", FileUnknown, FileUnprocessed, true},
		{"self transition", FileDownloaded, FileDownloaded, false},
		{"invalid status", FileStatus("bogus"), FileDownloaded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func addFile(t *testing.T, s *Store, name string, status FileStatus) {
	t.Helper()
	require.NoError(t, s.UpsertFile(context.Background(), UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: name,
		ImportOrExport: FileImport, Status: status,
	}))
}

func TestSetFileStatusEnforcesPromotionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	addFile(t, s, "dem.tif", FileUnprocessed)

	require.NoError(t, s.SetFileStatus(ctx, 202501150000, "alice", "dem.tif", FileDownloaded))
	require.NoError(t, s.SetFileStatus(ctx, 202501150000, "alice", "dem.tif", FileProcessing))

	// Re-asserting the current status is a no-op, not an error.
	require.NoError(t, s.SetFileStatus(ctx, 202501150000, "alice", "dem.tif", FileProcessing))

	// Skipping back down the ladder is rejected.
	err = s.SetFileStatus(ctx, 202501150000, "alice", "dem.tif", FileUnprocessed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	f, err := s.GetFile(ctx, 202501150000, "alice", "dem.tif")
	require.NoError(t, err)
	assert.Equal(t, FileProcessing, f.Status)
}

func TestQuarantinedFileCannotBePromoted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	addFile(t, s, "sketchy.tif", FileUnprocessed)
	require.NoError(t, s.SetFileStatus(ctx, 202501150000, "alice", "sketchy.tif", FileQuarantined))

	// The quarantine verdict is final: no write path may lift it.
	err = s.SetFileStatus(ctx, 202501150000, "alice", "sketchy.tif", FileProcessed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	sum := "0123456789abcdef0123456789abcdef"
	err = s.UpdateFileStats(ctx, 202501150000, "alice", "sketchy.tif", 10, &sum, FileDownloaded)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: "sketchy.tif",
		ImportOrExport: FileImport, Status: FileProcessed,
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	f, err := s.GetFile(ctx, 202501150000, "alice", "sketchy.tif")
	require.NoError(t, err)
	assert.Equal(t, FileQuarantined, f.Status)
}

func TestUpsertFileConflictFollowsPromotionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)
	addFile(t, s, "dem.tif", FileUnprocessed)

	// A legal move through the upsert path updates the row.
	sum := "0123456789abcdef0123456789abcdef"
	require.NoError(t, s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: "dem.tif",
		ImportOrExport: FileImport, SizeBytes: 9, MD5: &sum,
		Status: FileDownloaded,
	}))

	// An illegal move through the upsert path is rejected.
	err = s.UpsertFile(ctx, UpsertFileParams{
		JobID: 202501150000, Username: "alice", Filename: "dem.tif",
		ImportOrExport: FileImport, Status: FileUploaded,
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	f, err := s.GetFile(ctx, 202501150000, "alice", "dem.tif")
	require.NoError(t, err)
	assert.Equal(t, FileDownloaded, f.Status)
	assert.Equal(t, int64(9), f.SizeBytes)
}

func TestSetFileStatusMissingRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, err := s.CreateJob(ctx, testJobParams(202501150000, "alice"))
	require.NoError(t, err)

	err = s.SetFileStatus(ctx, 202501150000, "alice", "ghost.tif", FileDownloaded)
	require.ErrorIs(t, err, ErrFileNotFound)
}
