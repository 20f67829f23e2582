package manager

import (
	"context"
	"os"
	"syscall"

	"github.com/openelev/demjobs/pkg/ledger"
)

// Kill records the killed verdict for a job. Terminal jobs are a no-op,
// never an error. Stopping the executing process belongs to the
// processing collaborator; job rows record the hosting daemon's pid for
// crash recovery, and signaling it would take down every in-flight job.
func (m *Manager) Kill(ctx context.Context, jobID int64, username string) error {
	job, err := m.Ledger.GetJob(ctx, jobID, username)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return m.Ledger.SetJobStatus(ctx, jobID, username, ledger.JobKilled)
}

// processAlive reports whether a pid currently names a live process.
// Used by the startup zombie sweep.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
