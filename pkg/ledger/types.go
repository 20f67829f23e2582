package ledger

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a job.
//
// NOTE: These values are persisted and appear in published snapshots;
// they are part of the stable external contract.
type JobStatus string

const (
	JobInitialized JobStatus = "initialized"
	JobStarted     JobStatus = "started"
	JobRunning     JobStatus = "running"
	JobComplete    JobStatus = "complete"
	JobError       JobStatus = "error"
	JobKilled      JobStatus = "killed"
	JobUnknown     JobStatus = "unknown"
)

// Terminal reports whether a job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobComplete, JobError, JobKilled:
		return true
	}
	return false
}

// Valid reports whether s is one of the persisted job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobInitialized, JobStarted, JobRunning, JobComplete, JobError, JobKilled, JobUnknown:
		return true
	}
	return false
}

// FileStatus is the trust-promotion state of a single file.
type FileStatus string

const (
	FileUnprocessed FileStatus = "unprocessed"
	FileDownloaded  FileStatus = "downloaded"
	FileProcessing  FileStatus = "processing"
	FileProcessed   FileStatus = "processed"
	FileUploaded    FileStatus = "uploaded"
	FileError       FileStatus = "error"
	FileTimeout     FileStatus = "timeout"
	FileQuarantined FileStatus = "quarantined"
	FileUnknown     FileStatus = "unknown"
)

// Valid reports whether s is one of the persisted file statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case FileUnprocessed, FileDownloaded, FileProcessing, FileProcessed,
		FileUploaded, FileError, FileTimeout, FileQuarantined, FileUnknown:
		return true
	}
	return false
}

// Terminal reports whether a file status is final for job-completion
// accounting. Quarantined and timed-out files count as terminal: the job
// proceeds without them in degraded mode.
func (s FileStatus) Terminal() bool {
	switch s {
	case FileProcessed, FileUploaded, FileError, FileTimeout, FileQuarantined:
		return true
	}
	return false
}

// CanTransition reports whether a file may move from this status to
// another. Quarantine is reachable from every pre-processed state: the
// scanner can intercept a file at any point before its content is
// consumed. Terminal states never transition, except that anything may
// collapse to unknown during crash recovery.
func (s FileStatus) CanTransition(to FileStatus) bool {
	if !s.Valid() || !to.Valid() {
		return false
	}
	if s == to {
		return false
	}
	if to == FileUnknown {
		return !s.Terminal()
	}

	switch s {
	case FileUnprocessed:
		switch to {
		case FileDownloaded, FileTimeout, FileQuarantined, FileError:
			return true
		}
	case FileDownloaded:
		switch to {
		case FileProcessing, FileQuarantined, FileError:
			return true
		}
	case FileProcessing:
		switch to {
		case FileProcessed, FileQuarantined, FileError:
			return true
		}
	case FileProcessed:
		switch to {
		case FileUploaded, FileError:
			return true
		}
	case FileUnknown:
		// A recovered file re-enters the pipeline from the top.
		switch to {
		case FileUnprocessed, FileError:
			return true
		}
	}
	return false
}

// Successful reports whether a file reached a healthy state. Used for the
// finished-notification success/failure counts.
func (s FileStatus) Successful() bool {
	switch s {
	case FileDownloaded, FileProcessed, FileUploaded:
		return true
	}
	return false
}

// File direction values for files.import_or_export.
const (
	FileImport          = 0
	FileExport          = 1
	FileImportAndExport = 2
)

// Job is one user-requested unit of work. Identity is the composite
// (JobID, Username): JobID alone is not unique because two users can be
// assigned the same identifier in a true submission race.
type Job struct {
	JobID          int64
	Username       string
	JobName        string
	Command        string
	CommandArgs    string
	ConfigFile     string
	LogFile        string
	ImportPrefix   string
	ImportBucket   string
	ExportPrefix   *string
	ExportBucket   *string
	InputDirLocal  string
	OutputDirLocal string
	PID            int
	PayloadHash    string
	Status         JobStatus
	CreatedAt      time.Time
}

// File is one input or output file belonging to exactly one job.
// Filename is a basename; the directory is derived from the job.
type File struct {
	JobID          int64
	Username       string
	Filename       string
	ImportOrExport int
	SizeBytes      int64
	MD5            *string
	Status         FileStatus
	UpdatedAt      time.Time
}

// Notification is the audit record of one outbound message. Response is
// the transport's delivery receipt; message bodies are intentionally not
// persisted.
type Notification struct {
	ID       int64
	JobID    int64
	Username string
	Subject  string
	Response string
	SentAt   time.Time
}

// Subscription is one standing notification-routing entry. Rows are an
// append-only history of subscribe requests.
type Subscription struct {
	ID              int64
	Username        string
	UserEmail       string
	TopicARN        string
	UsernameFilter  *string
	SubscriptionARN string
	CreatedAt       time.Time
}

// Sentinel errors surfaced by ledger operations.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrInvalidStatus     = errors.New("invalid status value")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CreateResult describes the outcome of a CreateJob call.
type CreateResult int

const (
	// Created means a new job row was inserted.
	Created CreateResult = iota
	// Resubmitted means an identical (job_id, username, payload)
	// submission already existed; nothing was written.
	Resubmitted
	// PayloadConflict means the (job_id, username) pair existed with a
	// different payload. The first-arriving row wins and is returned
	// unchanged; the second submission's extra files are not picked up.
	// This is the documented race outcome, preserved deliberately.
	PayloadConflict
)

func (r CreateResult) String() string {
	switch r {
	case Created:
		return "created"
	case Resubmitted:
		return "resubmitted"
	case PayloadConflict:
		return "payload_conflict"
	}
	return "unknown"
}
