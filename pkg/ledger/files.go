package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var md5Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// UpsertFileParams carries one file row. MD5 may be nil until computed.
type UpsertFileParams struct {
	JobID          int64
	Username       string
	Filename       string
	ImportOrExport int
	SizeBytes      int64
	MD5            *string
	Status         FileStatus
}

func (p *UpsertFileParams) validate() error {
	if p.Filename == "" {
		return errors.New("filename is required")
	}
	if p.ImportOrExport < FileImport || p.ImportOrExport > FileImportAndExport {
		return fmt.Errorf("import_or_export %d out of range", p.ImportOrExport)
	}
	if p.SizeBytes < 0 {
		return fmt.Errorf("size_bytes %d must be >= 0", p.SizeBytes)
	}
	if p.MD5 != nil && !md5Pattern.MatchString(*p.MD5) {
		return fmt.Errorf("md5 %q must be exactly 32 lowercase hex characters", *p.MD5)
	}
	if p.Status == "" {
		p.Status = FileUnprocessed
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	return nil
}

// UpsertFile inserts or updates one file row. The parent job must exist;
// the foreign key rejects orphans at write time. A new row may start in
// any status; an existing row only moves along the promotion order.
func (s *Store) UpsertFile(ctx context.Context, p UpsertFileParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := fileStatusTx(ctx, tx, p.JobID, p.Username, p.Filename)
		switch {
		case errors.Is(err, ErrFileNotFound):
			// Insert path.
		case err != nil:
			return err
		case cur != p.Status && !cur.CanTransition(p.Status):
			return fmt.Errorf("%w: %s file %s cannot become %s",
				ErrInvalidTransition, cur, p.Filename, p.Status)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO files
			 (job_id, username, filename, import_or_export, size_bytes, md5, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, username, filename) DO UPDATE SET
			   import_or_export = excluded.import_or_export,
			   size_bytes = excluded.size_bytes,
			   md5 = excluded.md5,
			   status = excluded.status,
			   updated_at = excluded.updated_at`,
			p.JobID, p.Username, p.Filename, p.ImportOrExport, p.SizeBytes,
			p.MD5, string(p.Status), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert file %s: %w", p.Filename, err)
		}
		return nil
	})
}

// SetFileStatus updates the trust-promotion status of one file. Illegal
// moves return ErrInvalidTransition and leave the row unchanged;
// re-asserting the current status is a no-op.
func (s *Store) SetFileStatus(ctx context.Context, jobID int64, username, filename string, status FileStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := fileStatusTx(ctx, tx, jobID, username, filename)
		if err != nil {
			return err
		}
		if cur == status {
			return nil
		}
		if !cur.CanTransition(status) {
			return fmt.Errorf("%w: %s file %s cannot become %s",
				ErrInvalidTransition, cur, filename, status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET status = ?, updated_at = ?
			 WHERE job_id = ? AND username = ? AND filename = ?`,
			string(status), time.Now().UTC().Format(time.RFC3339Nano),
			jobID, username, filename)
		if err != nil {
			return fmt.Errorf("update file status: %w", err)
		}
		return nil
	})
}

// UpdateFileStats records the observed size and checksum of a file along
// with its new status, typically once the file has fully arrived. The
// promotion order is enforced as in SetFileStatus; refreshing stats
// under the current status is allowed.
func (s *Store) UpdateFileStats(ctx context.Context, jobID int64, username, filename string, sizeBytes int64, md5 *string, status FileStatus) error {
	if sizeBytes < 0 {
		return fmt.Errorf("size_bytes %d must be >= 0", sizeBytes)
	}
	if md5 != nil && !md5Pattern.MatchString(*md5) {
		return fmt.Errorf("md5 %q must be exactly 32 lowercase hex characters", *md5)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := fileStatusTx(ctx, tx, jobID, username, filename)
		if err != nil {
			return err
		}
		if cur != status && !cur.CanTransition(status) {
			return fmt.Errorf("%w: %s file %s cannot become %s",
				ErrInvalidTransition, cur, filename, status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET size_bytes = ?, md5 = ?, status = ?, updated_at = ?
			 WHERE job_id = ? AND username = ? AND filename = ?`,
			sizeBytes, md5, string(status),
			time.Now().UTC().Format(time.RFC3339Nano),
			jobID, username, filename)
		if err != nil {
			return fmt.Errorf("update file stats: %w", err)
		}
		return nil
	})
}

func fileStatusTx(ctx context.Context, tx *sql.Tx, jobID int64, username, filename string) (FileStatus, error) {
	var cur string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM files WHERE job_id = ? AND username = ? AND filename = ?`,
		jobID, username, filename).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read file status: %w", err)
	}
	return FileStatus(cur), nil
}

// GetFile fetches one file row.
func (s *Store) GetFile(ctx context.Context, jobID int64, username, filename string) (*File, error) {
	row := s.db.QueryRowContext(ctx, fileSelect+
		` WHERE job_id = ? AND username = ? AND filename = ?`,
		jobID, username, filename)
	return scanFile(row)
}

// FileExists reports whether the file row is recorded.
func (s *Store) FileExists(ctx context.Context, jobID int64, username, filename string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM files WHERE job_id = ? AND username = ? AND filename = ?`,
		jobID, username, filename).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count files: %w", err)
	}
	return count > 0, nil
}

// ListFilesForJob returns all file rows belonging to one job.
func (s *Store) ListFilesForJob(ctx context.Context, jobID int64, username string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, fileSelect+
		` WHERE job_id = ? AND username = ? ORDER BY filename ASC`,
		jobID, username)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

const fileSelect = `SELECT job_id, username, filename, import_or_export,
	size_bytes, md5, status, updated_at
	FROM files`

func scanFile(row rowScanner) (*File, error) {
	var f File
	var md5 sql.NullString
	var updatedAt string
	err := row.Scan(&f.JobID, &f.Username, &f.Filename, &f.ImportOrExport,
		&f.SizeBytes, &md5, (*string)(&f.Status), &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	if md5.Valid {
		f.MD5 = &md5.String
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		f.UpdatedAt = t
	}
	return &f, nil
}
