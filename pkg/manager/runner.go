package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/openelev/demjobs/pkg/descriptor"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/notify"
	"github.com/openelev/demjobs/pkg/storage"
	"github.com/openelev/demjobs/pkg/trustgate"
)

// runJob drives one detected job from descriptor to terminal status.
func (m *Manager) runJob(ctx context.Context, ref *storage.JobRef) error {
	logger := m.logger().With(
		zap.Int64("job_id", ref.JobID),
		zap.String("username", ref.Username))

	jobDir := filepath.Join(m.Config.DataDir, "jobs", jobKey(ref.JobID, ref.Username))
	inputDir := filepath.Join(jobDir, "input")
	outputDir := filepath.Join(jobDir, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create job dirs: %w", err)
		}
	}
	defer func() { _ = os.RemoveAll(jobDir) }()

	descKey := storage.JobKey(ref.Prefix, ref.Command, ref.Username, ref.JobID, ref.Filename)
	descPath := filepath.Join(inputDir, ref.Filename)
	if err := m.Store.Download(ctx, m.Config.Buckets.Trusted, descKey, descPath); err != nil {
		return fmt.Errorf("download descriptor: %w", err)
	}

	jobLog := &JobLog{}
	desc, err := descriptor.Load(descPath)
	if err != nil {
		logger.Warn("descriptor rejected", zap.Error(err))
		return m.failInvalidSubmission(ctx, ref, descPath, jobLog, err)
	}

	job, result, err := m.Ledger.CreateJob(ctx, ledger.CreateJobParams{
		JobID:        desc.JobID,
		Username:     desc.Username,
		JobName:      desc.JobName,
		Command:      desc.Command,
		CommandArgs:  desc.ArgsString(),
		ConfigFile:   ref.Filename,
		LogFile:      logfileName(ref),
		ImportPrefix: desc.UploadPrefix,
		ImportBucket: m.Config.Buckets.Trusted,
		InputDir:     inputDir,
		OutputDir:    outputDir,
		PID:          os.Getpid(),
		PayloadHash:  desc.PayloadHash(),
		Status:       ledger.JobStarted,
	})
	if err != nil {
		return err
	}
	if result != ledger.Created {
		logger.Info("submission already recorded", zap.Stringer("result", result))
		return nil
	}

	descMD5, _ := trustgate.FileMD5(descPath)
	descSize := int64(0)
	if st, err := os.Stat(descPath); err == nil {
		descSize = st.Size()
	}
	if err := m.Ledger.UpsertFile(ctx, ledger.UpsertFileParams{
		JobID: job.JobID, Username: job.Username, Filename: ref.Filename,
		ImportOrExport: ledger.FileImport, SizeBytes: descSize,
		MD5: optional(descMD5), Status: ledger.FileProcessed,
	}); err != nil {
		return err
	}
	for _, name := range desc.Files {
		if err := m.Ledger.UpsertFile(ctx, ledger.UpsertFileParams{
			JobID: job.JobID, Username: job.Username, Filename: name,
			ImportOrExport: ledger.FileImport, Status: ledger.FileUnprocessed,
		}); err != nil {
			return err
		}
	}

	suppressSubmitted, suppressAll := notify.Suppression(desc.Command, desc.Args)
	if m.Notifier != nil && !suppressSubmitted && !suppressAll {
		if err := m.Notifier.JobSubmitted(ctx, job, desc.ArgsString()); err != nil {
			logger.Warn("submitted notification failed", zap.Error(err))
		}
	}

	fetch, err := m.Fetcher.FetchInputs(ctx, job, desc.Files, inputDir)
	if err != nil {
		return err
	}
	jobLog.Printf("inputs promoted: %d fetched, %d quarantined, %d timed out",
		len(fetch.Fetched), len(fetch.Quarantined), len(fetch.TimedOut))

	if err := m.Ledger.SetJobStatus(ctx, job.JobID, job.Username, ledger.JobRunning); err != nil {
		return err
	}

	jc := &JobContext{
		Job:        job,
		Descriptor: desc,
		InputFiles: fetch.Fetched,
		InputDir:   inputDir,
		OutputDir:  outputDir,
		Ledger:     m.Ledger,
		Log:        jobLog,
	}

	runner, ok := m.Runners[desc.Command]
	if !ok {
		runner = PassthroughRunner{Command: desc.Command}
	}
	runErr := runner.Run(ctx, jc)
	if runErr != nil {
		jobLog.Printf("command failed: %v", runErr)
	}

	if err := m.uploadExports(ctx, job, outputDir, jobLog); err != nil {
		logger.Warn("export upload failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	if err := m.exportLogfile(ctx, job, ref, outputDir, jobLog); err != nil {
		logger.Warn("logfile export failed", zap.Error(err))
	}

	final := terminalStatus(desc, fetch, runErr)
	if err := m.Ledger.SetJobStatus(ctx, job.JobID, job.Username, final); err != nil {
		return err
	}

	if m.Notifier != nil && !suppressAll {
		finished, err := m.Ledger.GetJob(ctx, job.JobID, job.Username)
		if err != nil {
			return err
		}
		if err := m.Notifier.JobFinished(ctx, finished); err != nil {
			logger.Warn("finished notification failed", zap.Error(err))
		}
	}

	if m.Publisher != nil {
		if err := m.Publisher.Publish(ctx, true); err != nil {
			logger.Warn("snapshot publish failed", zap.Error(err))
		}
	}

	logger.Info("job finished", zap.String("status", string(final)))
	return nil
}

// failInvalidSubmission records a job row for an unparseable or invalid
// descriptor so the rejection is durable and the user is told, then
// exports the explanation.
func (m *Manager) failInvalidSubmission(ctx context.Context, ref *storage.JobRef, descPath string, jobLog *JobLog, cause error) error {
	jobLog.Printf("submission rejected: %v", cause)

	job, result, err := m.Ledger.CreateJob(ctx, ledger.CreateJobParams{
		JobID:        ref.JobID,
		Username:     ref.Username,
		JobName:      jobKey(ref.JobID, ref.Username),
		Command:      ref.Command,
		ConfigFile:   ref.Filename,
		LogFile:      logfileName(ref),
		ImportPrefix: storage.JobPrefix(ref.Prefix, ref.Command, ref.Username, ref.JobID),
		ImportBucket: m.Config.Buckets.Trusted,
		Status:       ledger.JobError,
	})
	if err != nil {
		return err
	}
	if result != ledger.Created {
		return nil
	}

	if err := m.Ledger.UpsertFile(ctx, ledger.UpsertFileParams{
		JobID: job.JobID, Username: job.Username, Filename: ref.Filename,
		ImportOrExport: ledger.FileImport, Status: ledger.FileError,
	}); err != nil {
		return err
	}

	if err := m.exportLogfile(ctx, job, ref, filepath.Dir(descPath), jobLog); err != nil {
		m.logger().Warn("logfile export failed", zap.Error(err))
	}

	if m.Notifier != nil {
		if err := m.Notifier.JobFinished(ctx, job); err != nil {
			m.logger().Warn("finished notification failed", zap.Error(err))
		}
	}
	return nil
}

// uploadExports ships every processed export file from outputDir to the
// export bucket. A missing local file marks the row error with a log
// line; rows already in a failed state are left alone.
func (m *Manager) uploadExports(ctx context.Context, job *ledger.Job, outputDir string, jobLog *JobLog) error {
	files, err := m.Ledger.ListFilesForJob(ctx, job.JobID, job.Username)
	if err != nil {
		return err
	}

	var firstErr error
	for _, f := range files {
		if f.ImportOrExport != ledger.FileExport && f.ImportOrExport != ledger.FileImportAndExport {
			continue
		}
		if f.Status != ledger.FileProcessed {
			continue
		}

		prefix, err := m.Ledger.EnsureExportPrefix(ctx, job.JobID, job.Username,
			storage.JobPrefix("", job.Command, job.Username, job.JobID), m.Config.Buckets.Export)
		if err != nil {
			return err
		}

		localPath := filepath.Join(outputDir, f.Filename)
		if _, err := os.Stat(localPath); err != nil {
			jobLog.Printf("export %s missing locally", f.Filename)
			if serr := m.Ledger.SetFileStatus(ctx, job.JobID, job.Username, f.Filename, ledger.FileError); serr != nil {
				return serr
			}
			firstErr = errors.Join(firstErr, fmt.Errorf("export %s missing", f.Filename))
			continue
		}

		sum, err := trustgate.FileMD5(localPath)
		if err != nil {
			return err
		}
		key := prefix + "/" + f.Filename
		if err := m.Store.Upload(ctx, m.Config.Buckets.Export, key, localPath,
			storage.UploadOptions{Metadata: map[string]string{"md5": sum}}); err != nil {
			return err
		}

		st, err := os.Stat(localPath)
		if err != nil {
			return err
		}
		if err := m.Ledger.UpdateFileStats(ctx, job.JobID, job.Username, f.Filename,
			st.Size(), &sum, ledger.FileUploaded); err != nil {
			return err
		}
		jobLog.Printf("export %s uploaded", f.Filename)
	}
	return firstErr
}

// exportLogfile writes the accumulated job log locally, uploads it to
// the export area, and records it as an uploaded export row.
func (m *Manager) exportLogfile(ctx context.Context, job *ledger.Job, ref *storage.JobRef, dir string, jobLog *JobLog) error {
	name := logfileName(ref)
	localPath := filepath.Join(dir, name)
	if err := jobLog.WriteFile(localPath); err != nil {
		return err
	}

	prefix, err := m.Ledger.EnsureExportPrefix(ctx, job.JobID, job.Username,
		storage.JobPrefix("", job.Command, job.Username, job.JobID), m.Config.Buckets.Export)
	if err != nil {
		return err
	}
	if err := m.Store.Upload(ctx, m.Config.Buckets.Export, prefix+"/"+name, localPath, storage.UploadOptions{}); err != nil {
		return err
	}

	st, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	sum, err := trustgate.FileMD5(localPath)
	if err != nil {
		return err
	}
	return m.Ledger.UpsertFile(ctx, ledger.UpsertFileParams{
		JobID: job.JobID, Username: job.Username, Filename: name,
		ImportOrExport: ledger.FileExport, SizeBytes: st.Size(),
		MD5: &sum, Status: ledger.FileUploaded,
	})
}

// terminalStatus decides the job's final state. File-level failures do
// not escalate: only a fatal command error, or the absence of any
// successfully promoted input, moves the job to error.
func terminalStatus(desc *descriptor.Descriptor, fetch *trustgate.Result, runErr error) ledger.JobStatus {
	if runErr != nil {
		return ledger.JobError
	}
	if len(desc.Files) > 0 && len(fetch.Fetched) == 0 {
		return ledger.JobError
	}
	return ledger.JobComplete
}

// populate enters a landing-area job into the ledger without executing
// it.
func (m *Manager) populate(ctx context.Context, ref *storage.JobRef) error {
	descKey := storage.JobKey(ref.Prefix, ref.Command, ref.Username, ref.JobID, ref.Filename)
	descPath := filepath.Join(m.Config.DataDir, "populate", ref.Filename)
	defer func() { _ = os.Remove(descPath) }()

	if err := m.Store.Download(ctx, m.Config.Buckets.Trusted, descKey, descPath); err != nil {
		return err
	}
	desc, err := descriptor.Load(descPath)
	if err != nil {
		return err
	}

	_, _, err = m.Ledger.CreateJob(ctx, ledger.CreateJobParams{
		JobID:        desc.JobID,
		Username:     desc.Username,
		JobName:      desc.JobName,
		Command:      desc.Command,
		CommandArgs:  desc.ArgsString(),
		ConfigFile:   ref.Filename,
		LogFile:      logfileName(ref),
		ImportPrefix: desc.UploadPrefix,
		ImportBucket: m.Config.Buckets.Trusted,
		PayloadHash:  desc.PayloadHash(),
		Status:       ledger.JobUnknown,
	})
	if err != nil {
		return err
	}

	for _, name := range append([]string{ref.Filename}, desc.Files...) {
		if err := m.Ledger.UpsertFile(ctx, ledger.UpsertFileParams{
			JobID: desc.JobID, Username: desc.Username, Filename: name,
			ImportOrExport: ledger.FileImport, Status: ledger.FileUnknown,
		}); err != nil {
			return err
		}
	}
	m.logger().Info("job populated",
		zap.Int64("job_id", desc.JobID),
		zap.String("username", desc.Username))
	return nil
}

func logfileName(ref *storage.JobRef) string {
	return fmt.Sprintf("%s_%d_log.txt", ref.Username, ref.JobID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
