// Package trustgate promotes files from the untrusted landing area into
// the trusted working set. It owns the content validation and the
// arrival-wait loop; the per-file promotion order is enforced by the
// ledger itself.
//
// The external scanner that moves suspect objects to the quarantine
// bucket is a collaborator; this package only observes its verdicts.
package trustgate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/storage"
)

// DefaultDownloadTimeout bounds how long the fetcher waits for a
// declared input to appear in the trusted area.
const DefaultDownloadTimeout = 10 * time.Minute

// DefaultPollInterval is the cadence of arrival checks.
const DefaultPollInterval = 5 * time.Second

// Fetcher waits for a job's declared input files to clear the external
// scanner and land in the trusted area, downloads them, and records
// every status transition in the ledger.
type Fetcher struct {
	Store     storage.Store
	Buckets   storage.Buckets
	Ledger    *ledger.Store
	Validator *Validator
	Logger    *zap.Logger

	// Timeout and PollInterval fall back to the package defaults when
	// zero.
	Timeout      time.Duration
	PollInterval time.Duration
}

// Result reports the outcome of one fetch pass, keyed by filename.
type Result struct {
	// Fetched maps filename to its downloaded local path.
	Fetched map[string]string

	// Quarantined and TimedOut name the files excluded from the input
	// set. The job proceeds without them.
	Quarantined []string
	TimedOut    []string
}

// FetchInputs waits for the named files under the job's import prefix,
// downloads each arrival into destDir, and marks stragglers timeout
// once the deadline passes. A partially fetched input set is not an
// error: callers inspect Result.
func (f *Fetcher) FetchInputs(ctx context.Context, job *ledger.Job, filenames []string, destDir string) (*Result, error) {
	if f.Store == nil || f.Ledger == nil {
		return nil, fmt.Errorf("fetcher requires a store and a ledger")
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	res := &Result{Fetched: make(map[string]string)}
	pending := make(map[string]bool, len(filenames))
	for _, name := range filenames {
		pending[name] = true
	}

	deadline := time.Now().Add(timeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		for name := range pending {
			key := job.ImportPrefix + "/" + name

			quarantined, err := f.Store.Exists(ctx, f.Buckets.Quarantine, key)
			if err != nil {
				logger.Warn("quarantine check failed",
					zap.Int64("job_id", job.JobID),
					zap.String("filename", name),
					zap.Error(err))
				continue
			}
			if quarantined {
				f.markExcluded(ctx, job, name, ledger.FileQuarantined, logger)
				res.Quarantined = append(res.Quarantined, name)
				delete(pending, name)
				continue
			}

			arrived, err := f.Store.Exists(ctx, f.Buckets.Trusted, key)
			if err != nil || !arrived {
				continue
			}

			localPath := filepath.Join(destDir, name)
			if err := f.fetchOne(ctx, job, name, key, localPath); err != nil {
				var verdict *ValidationError
				if !errors.As(err, &verdict) {
					// Transient storage or IO failure: the file stays
					// pending and is retried until the deadline.
					_ = os.Remove(localPath)
					logger.Warn("fetch attempt failed",
						zap.Int64("job_id", job.JobID),
						zap.String("filename", name),
						zap.Error(err))
					continue
				}
				logger.Warn("input rejected",
					zap.Int64("job_id", job.JobID),
					zap.String("filename", name),
					zap.Error(err))
				f.markExcluded(ctx, job, name, ledger.FileQuarantined, logger)
				res.Quarantined = append(res.Quarantined, name)
				delete(pending, name)
				continue
			}

			logger.Info("input promoted",
				zap.Int64("job_id", job.JobID),
				zap.String("username", job.Username),
				zap.String("filename", name))
			res.Fetched[name] = localPath
			delete(pending, name)
		}
	}

	for name := range pending {
		f.markExcluded(ctx, job, name, ledger.FileTimeout, logger)
		res.TimedOut = append(res.TimedOut, name)
	}
	return res, nil
}

// fetchOne downloads a single arrival, validates its content, and
// records the downloaded transition with actual size and md5.
func (f *Fetcher) fetchOne(ctx context.Context, job *ledger.Job, name, key, localPath string) error {
	if f.Validator != nil {
		if err := f.Validator.CheckName(name); err != nil {
			return err
		}
	}

	if err := f.Store.Download(ctx, f.Buckets.Trusted, key, localPath); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}

	v := f.Validator
	if v == nil {
		v = &Validator{}
	}
	size, sum, err := v.CheckArrival(localPath)
	if err != nil {
		return err
	}

	return f.Ledger.UpdateFileStats(ctx, job.JobID, job.Username, name, size, &sum, ledger.FileDownloaded)
}

func (f *Fetcher) markExcluded(ctx context.Context, job *ledger.Job, name string, status ledger.FileStatus, logger *zap.Logger) {
	if err := f.Ledger.SetFileStatus(ctx, job.JobID, job.Username, name, status); err != nil {
		logger.Warn("record file exclusion failed",
			zap.Int64("job_id", job.JobID),
			zap.String("filename", name),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
