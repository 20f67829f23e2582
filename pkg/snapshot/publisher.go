package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openelev/demjobs/pkg/jobid"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/storage"
)

// DefaultDebounce is the mutation-coalescing window between publish
// cycles.
const DefaultDebounce = 15 * time.Second

// Default retention bounds for the reduced "latest" copy.
const (
	DefaultLatestJobs = 100
	DefaultLatestDays = 14
)

// Publisher owns the publish cycle: one vnum bump, then the full copy
// and the reduced "latest" copy uploaded with identical protocol
// metadata.
type Publisher struct {
	Ledger *ledger.Store
	Store  storage.Store
	Bucket string

	// Key and LatestKey are the object keys of the full and reduced
	// copies.
	Key       string
	LatestKey string

	ToolVersion      string
	MinClientVersion string

	// Debounce, LatestJobs, and LatestDays fall back to the package
	// defaults when zero.
	Debounce   time.Duration
	LatestJobs int
	LatestDays int

	Logger *zap.Logger

	// mu serializes publish cycles: the vnum bump and the uploads that
	// carry it must not interleave with another cycle's.
	mu sync.Mutex
}

func (p *Publisher) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Publish runs one publish cycle. With onlyIfNewer set, the cycle is
// skipped when the published vnum is already at or ahead of the local
// counter; otherwise vnum is incremented exactly once and both copies
// are uploaded carrying the new value. Cycles never overlap: a
// concurrent caller queues behind the one in flight.
func (p *Publisher) Publish(ctx context.Context, onlyIfNewer bool) error {
	if p.Ledger == nil || p.Store == nil {
		return fmt.Errorf("publisher requires a ledger and a store")
	}
	if p.Ledger.Path() == "" {
		return fmt.Errorf("publishing requires a file-backed ledger")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cycle := uuid.NewString()
	logger := p.logger().With(zap.String("cycle_id", cycle))

	if onlyIfNewer {
		local, err := p.Ledger.Version(ctx)
		if err != nil {
			return err
		}
		remote, err := p.publishedMeta(ctx, p.Key)
		if err != nil {
			return err
		}
		if remote != nil && remote.Vnum >= local {
			logger.Debug("publish skipped, remote copy is current",
				zap.Int64("local_vnum", local),
				zap.Int64("remote_vnum", remote.Vnum))
			return nil
		}
	}

	vnum, err := p.Ledger.IncrementVersion(ctx)
	if err != nil {
		return err
	}
	if err := p.Ledger.Checkpoint(ctx); err != nil {
		return err
	}

	meta, err := p.buildMeta(ctx, vnum)
	if err != nil {
		return err
	}

	if err := p.uploadCopy(ctx, p.Ledger.Path(), p.Key, meta); err != nil {
		return err
	}

	if p.LatestKey != "" {
		latestPath := filepath.Join(os.TempDir(), fmt.Sprintf("demjobs-latest-%s.db", cycle))
		defer func() { _ = os.Remove(latestPath) }()
		if err := p.buildLatest(ctx, latestPath); err != nil {
			return err
		}
		if err := p.uploadCopy(ctx, latestPath, p.LatestKey, meta); err != nil {
			return err
		}
	}

	logger.Info("snapshot published",
		zap.Int64("vnum", vnum),
		zap.String("bucket", p.Bucket),
		zap.String("key", p.Key))
	return nil
}

// Run publishes whenever the ledger has mutated since the previous
// cycle, checking once per debounce window. A burst of writes inside
// one window coalesces into a single vnum bump.
func (p *Publisher) Run(ctx context.Context) error {
	debounce := p.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	lastSeen := p.Ledger.Mutations()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := p.Ledger.Mutations()
			if current == lastSeen {
				continue
			}
			if err := p.Publish(ctx, false); err != nil {
				p.logger().Error("publish cycle failed", zap.Error(err))
				continue
			}
			// Publishing mutates the ledger (vnum bump); fold that in
			// so the next window only fires on new work.
			lastSeen = p.Ledger.Mutations()
		}
	}
}

func (p *Publisher) buildMeta(ctx context.Context, vnum int64) (map[string]string, error) {
	meta := map[string]string{
		MetaVnum:             strconv.FormatInt(vnum, 10),
		MetaToolVersion:      p.ToolVersion,
		MetaMinClientVersion: p.MinClientVersion,
	}
	latest, err := p.Ledger.MaxJobID(ctx)
	if err != nil {
		return nil, err
	}
	earliest, err := p.Ledger.EarliestJobID(ctx)
	if err != nil {
		return nil, err
	}
	meta[MetaLatestJob] = strconv.FormatInt(latest, 10)
	meta[MetaEarliestJob] = strconv.FormatInt(earliest, 10)
	return meta, nil
}

func (p *Publisher) uploadCopy(ctx context.Context, localPath, key string, meta map[string]string) error {
	sum, err := fileMD5(localPath)
	if err != nil {
		return err
	}
	tagged := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		tagged[k] = v
	}
	tagged[MetaMD5] = sum

	if err := p.Store.Upload(ctx, p.Bucket, key, localPath, storage.UploadOptions{Metadata: tagged}); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return nil
}

// buildLatest writes a reduced copy at destPath holding the most recent
// jobs: whichever of "last N jobs" and "last D days" keeps more rows.
func (p *Publisher) buildLatest(ctx context.Context, destPath string) error {
	latestJobs := p.LatestJobs
	if latestJobs <= 0 {
		latestJobs = DefaultLatestJobs
	}
	latestDays := p.LatestDays
	if latestDays <= 0 {
		latestDays = DefaultLatestDays
	}

	cutoff, err := latestCutoff(ctx, p.Ledger, latestJobs, latestDays, time.Now().UTC())
	if err != nil {
		return err
	}

	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := p.Ledger.DB().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("vacuum into latest copy: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.Clean(destPath))
	if err != nil {
		return fmt.Errorf("open latest copy: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`DELETE FROM files WHERE job_id < ?`,
		`DELETE FROM notifications WHERE job_id < ?`,
		`DELETE FROM jobs WHERE job_id < ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("trim latest copy: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum latest copy: %w", err)
	}
	return nil
}

// latestCutoff returns the job_id below which rows are dropped from the
// reduced copy. The N-jobs bound and the D-days bound are both
// computed; the lower cutoff (keeping more rows) wins.
func latestCutoff(ctx context.Context, led *ledger.Store, latestJobs, latestDays int, now time.Time) (int64, error) {
	dateCutoff, err := dayCutoffID(now.AddDate(0, 0, -latestDays))
	if err != nil {
		return 0, err
	}

	var nth sql.NullInt64
	err = led.DB().QueryRowContext(ctx,
		`SELECT job_id FROM jobs ORDER BY job_id DESC LIMIT 1 OFFSET ?`,
		latestJobs-1).Scan(&nth)
	if errors.Is(err, sql.ErrNoRows) || !nth.Valid {
		// Fewer than N jobs exist: the N-jobs bound keeps them all.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find nth newest job: %w", err)
	}
	return min(dateCutoff, nth.Int64), nil
}

func dayCutoffID(t time.Time) (int64, error) {
	id, err := jobid.Format(t, 0)
	if err != nil {
		return 0, fmt.Errorf("date cutoff: %w", err)
	}
	return id, nil
}
