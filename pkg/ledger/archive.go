package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openelev/demjobs/pkg/jobid"
)

// ArchiveBefore moves jobs older than the cutoff date (and their files
// and notifications) into a standalone archive database, then trims them
// from the live ledger and vacuums it.
//
// Returns the archive path, or "" when no rows were old enough. The
// version counter is bumped by the caller's subsequent publish cycle,
// not here.
func (s *Store) ArchiveBefore(ctx context.Context, cutoff time.Time, archiveDir string) (string, error) {
	if s.Path() == "" {
		return "", fmt.Errorf("archive requires a file-backed ledger")
	}

	// Jobs strictly before the day after the cutoff are archived.
	cutoffID, err := jobid.Format(cutoff.AddDate(0, 0, 1), 0)
	if err != nil {
		return "", err
	}

	var oldCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE job_id < ?`, cutoffID).Scan(&oldCount); err != nil {
		return "", fmt.Errorf("count archivable jobs: %w", err)
	}
	if oldCount == 0 {
		return "", nil
	}

	earliest, err := s.EarliestJobID(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	base := filepath.Base(s.Path())
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s_archive_%08d_%s%s",
		base[:len(base)-len(ext)], earliest/int64(jobid.MaxSeq),
		cutoff.UTC().Format("20060102"), ext)
	archivePath := filepath.Join(archiveDir, name)

	if err := s.Checkpoint(ctx); err != nil {
		return "", err
	}

	// Full copy first, then trim each side to its half of the split.
	quoted := strings.ReplaceAll(archivePath, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into archive: %w", err)
	}

	if err := trimArchive(ctx, archivePath, cutoffID); err != nil {
		_ = os.Remove(archivePath)
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM files WHERE job_id < ?`,
			`DELETE FROM notifications WHERE job_id < ?`,
			`DELETE FROM jobs WHERE job_id < ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, cutoffID); err != nil {
				return fmt.Errorf("trim live ledger: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return "", fmt.Errorf("vacuum live ledger: %w", err)
	}

	return archivePath, nil
}

func trimArchive(ctx context.Context, path string, cutoffID int64) error {
	db, err := sql.Open(driverName, "file:"+filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`DELETE FROM files WHERE job_id >= ?`,
		`DELETE FROM notifications WHERE job_id >= ?`,
		`DELETE FROM jobs WHERE job_id >= ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, cutoffID); err != nil {
			return fmt.Errorf("trim archive: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum archive: %w", err)
	}
	return nil
}
