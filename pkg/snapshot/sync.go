package snapshot

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/storage"
)

// Action is the outcome of a startup reconciliation.
type Action int

const (
	// ActionNone: local and published copies already agree, or neither
	// exists yet.
	ActionNone Action = iota

	// ActionDownloaded: the published copy was ahead (or the local file
	// was missing) and replaced the local file.
	ActionDownloaded

	// ActionLocalAhead: the local file is ahead of (or absent from) the
	// published side. The caller's first publish cycle uploads it.
	ActionLocalAhead
)

func (a Action) String() string {
	switch a {
	case ActionDownloaded:
		return "downloaded"
	case ActionLocalAhead:
		return "local_ahead"
	}
	return "none"
}

// SyncOnStart reconciles the local ledger file with the published copy
// before the daemon opens it for writing. Whichever side carries the
// higher vnum wins; downloads happen here, uploads are left to the
// first publish cycle.
func SyncOnStart(ctx context.Context, store storage.Store, bucket, key, localPath string, logger *zap.Logger) (Action, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	remote, err := headMeta(ctx, store, bucket, key)
	if err != nil {
		return ActionNone, err
	}

	localVnum, localExists, err := localVersion(ctx, localPath)
	if err != nil {
		return ActionNone, err
	}

	switch {
	case remote == nil && !localExists:
		return ActionNone, nil

	case remote == nil:
		logger.Info("no published ledger copy, local is authoritative",
			zap.Int64("local_vnum", localVnum))
		return ActionLocalAhead, nil

	case !localExists || remote.Vnum > localVnum:
		if err := store.Download(ctx, bucket, key, localPath); err != nil {
			return ActionNone, fmt.Errorf("download published ledger: %w", err)
		}
		logger.Info("restored ledger from published copy",
			zap.Int64("remote_vnum", remote.Vnum),
			zap.Int64("local_vnum", localVnum))
		return ActionDownloaded, nil

	case remote.Vnum < localVnum:
		logger.Info("local ledger ahead of published copy",
			zap.Int64("remote_vnum", remote.Vnum),
			zap.Int64("local_vnum", localVnum))
		return ActionLocalAhead, nil
	}

	return ActionNone, nil
}

// localVersion reads the vnum out of an existing ledger file without
// keeping it open.
func localVersion(ctx context.Context, path string) (int64, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat ledger file: %w", err)
	}

	led, err := ledger.Open(ctx, ledger.Config{Path: path})
	if err != nil {
		return 0, false, fmt.Errorf("inspect ledger file: %w", err)
	}
	defer func() { _ = led.Close() }()

	vnum, err := led.Version(ctx)
	if err != nil {
		return 0, false, err
	}
	return vnum, true, nil
}
