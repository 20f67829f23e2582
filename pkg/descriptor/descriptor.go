// Package descriptor provides loading and validation of demjobs
// submission descriptors.
//
// A descriptor is the small YAML or JSON document a client deposits in
// the untrusted landing area alongside its input files. It names the
// job's identity, command, and declared file set. Missing or mistyped
// required fields are submission-time validation errors: no job row is
// created for a descriptor that fails validation.
//
// Example descriptor (YAML):
//
//	username: alice
//	job_id: 202501150000
//	job_name: alice_202501150000
//	upload_prefix: untrusted/validate/alice/202501150000
//	command: validate
//	tool_version: "0.4.2"
//	files:
//	  - dem.tif
//	  - coastline.shp
//	args:
//	  region: gulf
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openelev/demjobs/pkg/jobid"
)

// Commands accepted by the processing node. The enum is part of the
// submission contract; anything else is rejected before a job exists.
var Commands = []string{"validate", "import", "update", "test"}

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Descriptor is a validated submission document.
type Descriptor struct {
	Username     string         `json:"username" yaml:"username"`
	JobID        int64          `json:"job_id" yaml:"job_id"`
	JobName      string         `json:"job_name" yaml:"job_name"`
	UploadPrefix string         `json:"upload_prefix" yaml:"upload_prefix"`
	Command      string         `json:"command" yaml:"command"`
	ToolVersion  string         `json:"tool_version" yaml:"tool_version"`
	Files        []string       `json:"files" yaml:"files"`
	Args         map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Load reads and validates a descriptor from the given file path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("descriptor file not found: %s", path)
		}
		return nil, fmt.Errorf("read descriptor file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a descriptor from raw bytes.
//
// The path parameter is used for error messages and format detection:
// .json is parsed as JSON, everything else is attempted as YAML first
// (YAML is a JSON superset, so JSON content still parses).
func LoadFromBytes(data []byte, path string) (*Descriptor, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("descriptor %s is empty", path)
	}

	var d Descriptor
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
		}
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor %s: %w", path, err)
	}
	return &d, nil
}

// Validate checks every required field of the submission contract.
func (d *Descriptor) Validate() error {
	if d.Username == "" {
		return fmt.Errorf("username is required")
	}
	if !usernamePattern.MatchString(d.Username) {
		return fmt.Errorf("username %q may only contain [a-z0-9_.-]", d.Username)
	}
	if d.JobID == 0 {
		return fmt.Errorf("job_id is required")
	}
	if err := jobid.Validate(d.JobID); err != nil {
		return err
	}
	if want := fmt.Sprintf("%s_%d", d.Username, d.JobID); d.JobName != want {
		return fmt.Errorf("job_name %q must be %q", d.JobName, want)
	}
	if d.UploadPrefix == "" {
		return fmt.Errorf("upload_prefix is required")
	}
	if !validCommand(d.Command) {
		return fmt.Errorf("command %q is not one of %s", d.Command, strings.Join(Commands, ", "))
	}
	if d.ToolVersion == "" {
		return fmt.Errorf("tool_version is required")
	}
	for _, f := range d.Files {
		if f == "" {
			return fmt.Errorf("files may not contain empty names")
		}
		if strings.ContainsAny(f, "/\\") {
			return fmt.Errorf("file %q must be a basename, not a path", f)
		}
	}
	return nil
}

// PayloadHash returns a stable digest of the descriptor's content, used
// to tell an idempotent resubmission apart from a racing submission with
// a different payload.
func (d *Descriptor) PayloadHash() string {
	// json.Marshal sorts map keys, so semantically equal descriptors
	// hash identically regardless of source formatting.
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ArgsString renders the command and its arguments the way they are
// echoed back to the user in notifications.
func (d *Descriptor) ArgsString() string {
	var sb strings.Builder
	sb.WriteString(d.Command)
	keys := make([]string, 0, len(d.Args))
	for k := range d.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " --%s %v", k, d.Args[k])
	}
	if len(d.Files) > 0 {
		sb.WriteString(" --files")
		for _, f := range d.Files {
			if strings.ContainsAny(f, " \t") {
				fmt.Fprintf(&sb, " %q", f)
			} else {
				sb.WriteString(" " + f)
			}
		}
	}
	return sb.String()
}

func validCommand(cmd string) bool {
	for _, c := range Commands {
		if cmd == c {
			return true
		}
	}
	return false
}
