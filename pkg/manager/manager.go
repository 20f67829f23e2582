// Package manager runs the processing daemon: it polls the trusted
// landing area for new job descriptors, drives each detected job
// through promotion, execution, export, and notification, and keeps
// the published snapshot current.
package manager

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/notify"
	"github.com/openelev/demjobs/pkg/snapshot"
	"github.com/openelev/demjobs/pkg/storage"
	"github.com/openelev/demjobs/pkg/trustgate"
)

// DefaultPollInterval is the landing-area polling cadence.
const DefaultPollInterval = 5 * time.Second

// Config carries the daemon's operational knobs.
type Config struct {
	Buckets storage.Buckets

	// LandingPrefix scopes the descriptor scan within the trusted
	// bucket. Empty scans the whole bucket.
	LandingPrefix string

	// DataDir is the local working root for per-job directories.
	DataDir string

	PollInterval time.Duration

	// PopulateOnly enters detected jobs into the ledger without
	// executing them.
	PopulateOnly bool

	// OnlyJobID, when set, restricts processing to one job id and the
	// daemon exits after handling it.
	OnlyJobID int64
}

// Manager is the processing daemon.
type Manager struct {
	Ledger    *ledger.Store
	Store     storage.Store
	Fetcher   *trustgate.Fetcher
	Notifier  *notify.Notifier
	Publisher *snapshot.Publisher
	Runners   map[string]CommandRunner
	Logger    *zap.Logger
	Config    Config

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func jobKey(jobID int64, username string) string {
	return fmt.Sprintf("%s_%d", username, jobID)
}

// Run polls until the context is cancelled (or, in single-job mode,
// until the target job has been handled). In-flight jobs are drained
// before returning.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.Config.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	if err := m.SweepZombies(ctx); err != nil {
		m.logger().Warn("zombie sweep failed", zap.Error(err))
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			m.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		handled, err := m.pollOnce(ctx)
		if err != nil {
			m.logger().Error("poll failed", zap.Error(err))
			continue
		}

		if m.Config.OnlyJobID != 0 && handled {
			m.wg.Wait()
			return nil
		}
	}
}

// pollOnce scans the landing area and dispatches every new descriptor.
// Returns whether the single-job target (if any) was dispatched.
func (m *Manager) pollOnce(ctx context.Context) (bool, error) {
	refs, err := m.detectDescriptors(ctx)
	if err != nil {
		return false, err
	}

	handledTarget := false
	for _, ref := range refs {
		ref := ref
		if m.Config.OnlyJobID != 0 && ref.JobID != m.Config.OnlyJobID {
			continue
		}
		if !m.claim(ref) {
			continue
		}

		if m.Config.OnlyJobID != 0 {
			handledTarget = true
		}

		if m.Config.PopulateOnly {
			if err := m.populate(ctx, ref); err != nil {
				m.logger().Error("populate failed",
					zap.Int64("job_id", ref.JobID),
					zap.String("username", ref.Username),
					zap.Error(err))
			}
			m.release(ref)
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.release(ref)
			if err := m.runJob(ctx, ref); err != nil {
				m.logger().Error("job failed",
					zap.Int64("job_id", ref.JobID),
					zap.String("username", ref.Username),
					zap.Error(err))
			}
		}()
	}
	return handledTarget, nil
}

// detectDescriptors lists the landing area and returns job references
// for descriptor files not yet present in the ledger.
func (m *Manager) detectDescriptors(ctx context.Context) ([]*storage.JobRef, error) {
	infos, err := m.Store.List(ctx, m.Config.Buckets.Trusted, m.Config.LandingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list landing area: %w", err)
	}

	var refs []*storage.JobRef
	for _, info := range infos {
		name := path.Base(info.Key)
		ext := strings.ToLower(path.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		ref, err := storage.ParseJobKey(info.Key)
		if err != nil {
			m.logger().Debug("skipping unparseable key", zap.String("key", info.Key))
			continue
		}
		exists, err := m.Ledger.JobExists(ctx, ref.JobID, ref.Username)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (m *Manager) claim(ref *storage.JobRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.active = make(map[string]struct{})
	}
	key := jobKey(ref.JobID, ref.Username)
	if _, busy := m.active[key]; busy {
		return false
	}
	m.active[key] = struct{}{}
	return true
}

func (m *Manager) release(ref *storage.JobRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, jobKey(ref.JobID, ref.Username))
}

// SweepZombies marks started/running jobs whose recorded process is
// gone as unknown. Called once at startup before polling begins.
func (m *Manager) SweepZombies(ctx context.Context) error {
	jobs, err := m.Ledger.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != ledger.JobStarted && job.Status != ledger.JobRunning {
			continue
		}
		if job.PID > 0 && processAlive(job.PID) {
			continue
		}
		if err := m.Ledger.SetJobStatus(ctx, job.JobID, job.Username, ledger.JobUnknown); err != nil {
			return err
		}
		m.logger().Warn("orphaned job marked unknown",
			zap.Int64("job_id", job.JobID),
			zap.String("username", job.Username),
			zap.Int("pid", job.PID))
	}
	return nil
}
