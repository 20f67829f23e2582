package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openelev/demjobs/pkg/descriptor"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/notify"
)

// JobContext is everything a command implementation gets to work with.
type JobContext struct {
	Job        *ledger.Job
	Descriptor *descriptor.Descriptor

	// InputFiles maps each promoted input filename to its local path.
	// Quarantined and timed-out files are absent.
	InputFiles map[string]string

	InputDir  string
	OutputDir string

	Ledger *ledger.Store
	Log    *JobLog
}

// CommandRunner executes one job's command. The scientific processing
// commands are pluggable collaborators; this node ships the test
// command and the subscription-management update command.
type CommandRunner interface {
	Run(ctx context.Context, jc *JobContext) error
}

// JobLog accumulates the per-job logfile that is exported alongside the
// job's outputs.
type JobLog struct {
	lines []string
}

// Printf appends one timestamped line.
func (l *JobLog) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s  %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	l.lines = append(l.lines, line)
}

// String renders the accumulated log.
func (l *JobLog) String() string {
	if len(l.lines) == 0 {
		return ""
	}
	return strings.Join(l.lines, "\n") + "\n"
}

// WriteFile persists the log to path.
func (l *JobLog) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return os.WriteFile(path, []byte(l.String()), 0o644)
}

// TestRunner implements the test command: every promoted input is
// marked processed, every declared-but-absent input is marked error,
// and a completion line lands in the job log. No outputs are produced.
type TestRunner struct{}

func (TestRunner) Run(ctx context.Context, jc *JobContext) error {
	for _, name := range jc.Descriptor.Files {
		if _, ok := jc.InputFiles[name]; ok {
			if err := promoteToProcessed(ctx, jc, name); err != nil {
				return err
			}
			jc.Log.Printf("test: file %s found", name)
		} else {
			file, err := jc.Ledger.GetFile(ctx, jc.Job.JobID, jc.Job.Username, name)
			if err != nil {
				return err
			}
			// Quarantine and timeout verdicts stand; anything else that
			// failed to arrive is an error.
			if file.Status == ledger.FileQuarantined || file.Status == ledger.FileTimeout {
				jc.Log.Printf("test: file %s excluded (%s)", name, file.Status)
				continue
			}
			if err := jc.Ledger.SetFileStatus(ctx, jc.Job.JobID, jc.Job.Username, name, ledger.FileError); err != nil {
				return err
			}
			jc.Log.Printf("test: file %s missing", name)
		}
	}
	jc.Log.Printf("test command completed for job %d", jc.Job.JobID)
	return nil
}

// UpdateRunner implements the update command's subscription
// sub-commands. Other update sub-commands are collaborator-owned.
type UpdateRunner struct {
	Notifier *notify.Notifier
	TopicARN string
}

func (r UpdateRunner) Run(ctx context.Context, jc *JobContext) error {
	args := jc.Descriptor.Args
	sub := fmt.Sprintf("%v", args["sub_command"])

	switch sub {
	case "subscribe":
		email := fmt.Sprintf("%v", args["email"])
		if email == "" || email == "<nil>" {
			return fmt.Errorf("subscribe requires an email argument")
		}
		all := fmt.Sprintf("%v", args["all"]) == "true"
		if _, err := r.Notifier.Subscribe(ctx, jc.Job.Username, email, r.TopicARN, all); err != nil {
			return err
		}
		jc.Log.Printf("subscribed %s", email)
		return nil

	case "unsubscribe":
		email := fmt.Sprintf("%v", args["email"])
		if email == "" || email == "<nil>" {
			return fmt.Errorf("unsubscribe requires an email argument")
		}
		if err := r.Notifier.Unsubscribe(ctx, email); err != nil {
			return err
		}
		jc.Log.Printf("unsubscribed %s", email)
		return nil
	}

	return fmt.Errorf("update sub_command %q is not handled on this node", sub)
}

// PassthroughRunner stands in for a processing collaborator that is
// not wired on this node: promoted inputs are recorded processed and
// the job log notes the hand-off.
type PassthroughRunner struct {
	Command string
}

func (r PassthroughRunner) Run(ctx context.Context, jc *JobContext) error {
	if err := markInputsProcessed(ctx, jc); err != nil {
		return err
	}
	jc.Log.Printf("%s command handed to the processing collaborator", r.Command)
	return nil
}

// markInputsProcessed is shared by the processing hooks: a command that
// consumed its promoted inputs without incident marks them processed.
func markInputsProcessed(ctx context.Context, jc *JobContext) error {
	for name := range jc.InputFiles {
		if err := promoteToProcessed(ctx, jc, name); err != nil {
			return err
		}
	}
	return nil
}

// promoteToProcessed walks one downloaded input through processing to
// processed; the ledger rejects the shortcut.
func promoteToProcessed(ctx context.Context, jc *JobContext, name string) error {
	if err := jc.Ledger.SetFileStatus(ctx, jc.Job.JobID, jc.Job.Username, name, ledger.FileProcessing); err != nil {
		return err
	}
	return jc.Ledger.SetFileStatus(ctx, jc.Job.JobID, jc.Job.Username, name, ledger.FileProcessed)
}
