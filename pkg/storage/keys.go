package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openelev/demjobs/pkg/jobid"
)

// JobRef identifies the job a key belongs to, as encoded in the key
// layout <prefix>/<command>/<username>/<job_id>/<filename>.
type JobRef struct {
	Prefix   string
	Command  string
	Username string
	JobID    int64
	Filename string
}

// JobPrefix returns the key prefix for a job's directory, without a
// trailing filename.
func JobPrefix(prefix, command, username string, id int64) string {
	parts := []string{command, username, strconv.FormatInt(id, 10)}
	if prefix != "" {
		parts = append([]string{strings.Trim(prefix, "/")}, parts...)
	}
	return strings.Join(parts, "/")
}

// JobKey returns the full object key for one file of a job.
func JobKey(prefix, command, username string, id int64, filename string) string {
	return JobPrefix(prefix, command, username, id) + "/" + filename
}

// ParseJobKey extracts the job identity from an object key.
//
// The job id segment anchors the parse: the first segment that reads as
// a valid twelve-digit job id splits the key into prefix, command,
// username, id, and filename. Keys that do not fit the layout return an
// error.
func ParseJobKey(key string) (*JobRef, error) {
	segs := strings.Split(strings.Trim(key, "/"), "/")
	for i, seg := range segs {
		if len(seg) != 12 {
			continue
		}
		id, err := strconv.ParseInt(seg, 10, 64)
		if err != nil || jobid.Validate(id) != nil {
			continue
		}
		if i < 2 || i != len(segs)-2 {
			return nil, fmt.Errorf("key %q does not match <prefix>/<command>/<username>/<job_id>/<filename>", key)
		}
		return &JobRef{
			Prefix:   strings.Join(segs[:i-2], "/"),
			Command:  segs[i-2],
			Username: segs[i-1],
			JobID:    id,
			Filename: segs[i+1],
		}, nil
	}
	return nil, fmt.Errorf("key %q contains no job id segment", key)
}
