package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openelev/demjobs/pkg/jobid"
)

// CreateJobParams carries everything needed to insert a job row.
type CreateJobParams struct {
	JobID        int64
	Username     string
	JobName      string
	Command      string
	CommandArgs  string
	ConfigFile   string
	LogFile      string
	ImportPrefix string
	ImportBucket string
	InputDir     string
	OutputDir    string
	PID          int
	PayloadHash  string
	Status       JobStatus
}

// CreateJob inserts a job row, resolving the concurrent-submission race.
//
// The insert is optimistic against the UNIQUE (job_id, username) key:
//   - no existing row: insert with the given status (Created)
//   - existing row with the same payload hash: idempotent no-op, the
//     existing row is returned (Resubmitted)
//   - existing row with a different payload hash: first writer wins, the
//     existing row is returned unchanged (PayloadConflict)
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, CreateResult, error) {
	if err := jobid.Validate(p.JobID); err != nil {
		return nil, 0, err
	}
	if p.Status == "" {
		p.Status = JobInitialized
	}
	if !p.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}

	result := Created
	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getJobTx(ctx, tx, p.JobID, p.Username)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return err
		}
		if existing != nil {
			if existing.PayloadHash == p.PayloadHash {
				result = Resubmitted
			} else {
				result = PayloadConflict
			}
			out = existing
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs
			 (job_id, username, job_name, command, command_args, configfile,
			  logfile, import_prefix, import_bucket, input_dir_local,
			  output_dir_local, job_pid, payload_hash, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.JobID, p.Username, p.JobName, p.Command, p.CommandArgs,
			p.ConfigFile, p.LogFile, p.ImportPrefix, p.ImportBucket,
			p.InputDir, p.OutputDir, p.PID, p.PayloadHash, string(p.Status),
			now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		out = &Job{
			JobID: p.JobID, Username: p.Username, JobName: p.JobName,
			Command: p.Command, CommandArgs: p.CommandArgs,
			ConfigFile: p.ConfigFile, LogFile: p.LogFile,
			ImportPrefix: p.ImportPrefix, ImportBucket: p.ImportBucket,
			InputDirLocal: p.InputDir, OutputDirLocal: p.OutputDir,
			PID: p.PID, PayloadHash: p.PayloadHash, Status: p.Status,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, result, nil
}

// GetJob fetches one job by its composite identity.
func (s *Store) GetJob(ctx context.Context, jobID int64, username string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE job_id = ? AND username = ?`, jobID, username)
	return scanJob(row)
}

// JobExists reports whether the (job_id, username) pair is recorded.
func (s *Store) JobExists(ctx context.Context, jobID int64, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE job_id = ? AND username = ?`,
		jobID, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count jobs: %w", err)
	}
	return count > 0, nil
}

// GetJobByPID returns the running job recorded against a local PID.
func (s *Store) GetJobByPID(ctx context.Context, pid int) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE job_pid = ? AND status IN ('started', 'running') LIMIT 1`, pid)
	return scanJob(row)
}

// ListJobs returns jobs ordered newest first. limit <= 0 means all.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	q := jobSelect + ` ORDER BY job_id DESC, username ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

// ListUnfinishedJobs returns jobs that have not reached a terminal status.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status IN ('initialized', 'started', 'running', 'unknown')
		 ORDER BY job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

// SetJobStatus updates a job's lifecycle status.
//
// Terminal statuses are sticky: writes against a complete, error, or
// killed job are a no-op, not an error. A kill verdict recorded while
// the runner was still working therefore survives the runner's final
// write, and repeated kill requests are idempotent.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, username string, status JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getJobTx(ctx, tx, jobID, username)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE job_id = ? AND username = ?`,
			string(status), jobID, username)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
}

// SetJobPID records the local OS process now running the job.
func (s *Store) SetJobPID(ctx context.Context, jobID int64, username string, pid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET job_pid = ? WHERE job_id = ? AND username = ?`,
			pid, jobID, username)
		if err != nil {
			return fmt.Errorf("update job pid: %w", err)
		}
		return requireRow(res)
	})
}

// EnsureExportPrefix populates the job's export location if it is not set
// yet and returns the effective prefix. Jobs that never produce output
// keep NULL export fields.
func (s *Store) EnsureExportPrefix(ctx context.Context, jobID int64, username, prefix, bucket string) (string, error) {
	var effective string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getJobTx(ctx, tx, jobID, username)
		if err != nil {
			return err
		}
		if cur.ExportPrefix != nil && *cur.ExportPrefix != "" {
			effective = *cur.ExportPrefix
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET export_prefix = ?, export_bucket = ? WHERE job_id = ? AND username = ?`,
			prefix, bucket, jobID, username)
		if err != nil {
			return fmt.Errorf("set export prefix: %w", err)
		}
		effective = prefix
		return nil
	})
	return effective, err
}

// DeleteJob removes a job row. The files and notifications belonging to
// it are removed in the same transaction through the schema's cascade;
// no orphaned rows may outlive their job.
func (s *Store) DeleteJob(ctx context.Context, jobID int64, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE job_id = ? AND username = ?`, jobID, username)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return requireRow(res)
	})
}

// NextJobID allocates the next unused identifier for the given date,
// derived from the highest identifier recorded so far.
func (s *Store) NextJobID(ctx context.Context, now time.Time) (int64, error) {
	maxID, err := s.MaxJobID(ctx)
	if err != nil {
		return 0, err
	}
	return jobid.Next(now, maxID)
}

// MaxJobID returns the highest recorded job identifier, 0 when empty.
func (s *Store) MaxJobID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(job_id) FROM jobs`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max job id: %w", err)
	}
	return maxID.Int64, nil
}

// EarliestJobID returns the lowest recorded job identifier, 0 when empty.
func (s *Store) EarliestJobID(ctx context.Context) (int64, error) {
	var minID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(job_id) FROM jobs`).Scan(&minID); err != nil {
		return 0, fmt.Errorf("min job id: %w", err)
	}
	return minID.Int64, nil
}

const jobSelect = `SELECT job_id, username, job_name, command, command_args,
	configfile, logfile, import_prefix, import_bucket, export_prefix,
	export_bucket, input_dir_local, output_dir_local, job_pid,
	payload_hash, status, created_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var exportPrefix, exportBucket sql.NullString
	var createdAt string
	err := row.Scan(&j.JobID, &j.Username, &j.JobName, &j.Command,
		&j.CommandArgs, &j.ConfigFile, &j.LogFile, &j.ImportPrefix,
		&j.ImportBucket, &exportPrefix, &exportBucket, &j.InputDirLocal,
		&j.OutputDirLocal, &j.PID, &j.PayloadHash, (*string)(&j.Status),
		&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if exportPrefix.Valid {
		j.ExportPrefix = &exportPrefix.String
	}
	if exportBucket.Valid {
		j.ExportBucket = &exportBucket.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		j.CreatedAt = t
	}
	return &j, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID int64, username string) (*Job, error) {
	row := tx.QueryRowContext(ctx, jobSelect+` WHERE job_id = ? AND username = ?`, jobID, username)
	return scanJob(row)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
