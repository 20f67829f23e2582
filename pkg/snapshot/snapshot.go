// Package snapshot publishes versioned copies of the ledger to the
// database bucket and lets clients decide cheaply whether their cached
// copy is stale.
//
// Staleness rides on a single integer, vnum, stored both inside the
// database (single pinned row) and as object metadata on the published
// copy. Clients compare metadata first and download the body only when
// the published vnum is ahead of theirs. vnum moves exactly once per
// publish cycle, never per row change: a burst of writes inside one
// debounce window costs clients one download.
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Object metadata keys on published snapshot copies.
const (
	MetaVnum             = "vnum"
	MetaToolVersion      = "tool-version"
	MetaLatestJob        = "latest-job"
	MetaEarliestJob      = "earliest-job"
	MetaMinClientVersion = "min-client-version"
	MetaMD5              = "md5"
)

// Meta is the parsed metadata of a published snapshot copy.
type Meta struct {
	Vnum             int64
	ToolVersion      string
	LatestJob        int64
	EarliestJob      int64
	MinClientVersion string
	MD5              string
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
