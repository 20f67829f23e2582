package trustgate

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError is a trust verdict: the file's name or content failed
// a check and the file belongs in quarantine. Transient storage and IO
// failures are ordinary errors and the fetch is retried instead.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("file %s rejected: %s", e.Filename, e.Reason)
}

// Validator checks filenames before download and content after.
type Validator struct {
	// MaxSizeBytes rejects files whose actual size exceeds it. Zero
	// means no limit.
	MaxSizeBytes int64

	// Allow, when non-empty, requires the filename to match at least
	// one doublestar pattern.
	Allow []string

	// Deny rejects filenames matching any doublestar pattern, after
	// Allow.
	Deny []string
}

// CheckName applies the allow/deny patterns to a filename.
func (v *Validator) CheckName(filename string) error {
	if len(v.Allow) > 0 {
		matched := false
		for _, p := range v.Allow {
			if ok, err := doublestar.Match(p, filename); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return &ValidationError{Filename: filename, Reason: "matches no allow pattern"}
		}
	}
	for _, p := range v.Deny {
		if ok, err := doublestar.Match(p, filename); err == nil && ok {
			return &ValidationError{
				Filename: filename,
				Reason:   fmt.Sprintf("matches deny pattern %q", p),
			}
		}
	}
	return nil
}

// CheckArrival verifies a downloaded file's content and returns its
// actual size and md5.
func (v *Validator) CheckArrival(path string) (int64, string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, "", fmt.Errorf("stat %s: %w", path, err)
	}
	size := st.Size()
	if v.MaxSizeBytes > 0 && size > v.MaxSizeBytes {
		return size, "", &ValidationError{
			Filename: filepath.Base(path),
			Reason:   fmt.Sprintf("size %d exceeds limit %d", size, v.MaxSizeBytes),
		}
	}

	sum, err := FileMD5(path)
	if err != nil {
		return size, "", err
	}
	return size, sum, nil
}

// FileMD5 returns the lowercase hex md5 of a file's content.
func FileMD5(path string) (string, error) {
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
