// Package storage defines the object-store boundary used by the job
// pipeline: the untrusted landing area, the trusted working set, the
// quarantine shelf, the export area, and the published ledger snapshot
// all live behind the Store interface.
//
// Implementations: s3 (AWS S3 via aws-sdk-go-v2) and local (filesystem,
// for development and tests).
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// UploadOptions carries optional attributes for Upload.
type UploadOptions struct {
	// Metadata is attached to the object as user metadata. Keys are
	// lowercased by S3 on the way back.
	Metadata map[string]string

	// ContentType, if set, overrides the default.
	ContentType string
}

// Store is the object-store surface the pipeline depends on. All
// methods take an explicit bucket so a single client can serve every
// bucket role.
type Store interface {
	// Exists reports whether the object is present. A missing object
	// is not an error.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Head returns metadata for a single object. Returns ErrNotFound
	// (wrapped) when the object does not exist.
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// List returns all objects under the prefix, following pagination
	// to completion.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// Download copies an object to a local file, creating parent
	// directories as needed.
	Download(ctx context.Context, bucket, key, localPath string) error

	// Upload copies a local file to an object.
	Upload(ctx context.Context, bucket, key, localPath string, opts UploadOptions) error

	// Delete removes an object. Deleting an absent object is not an
	// error.
	Delete(ctx context.Context, bucket, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Buckets names the bucket for each pipeline role.
type Buckets struct {
	// Untrusted receives raw client uploads.
	Untrusted string `mapstructure:"untrusted" yaml:"untrusted"`

	// Trusted holds files that passed the trust gate.
	Trusted string `mapstructure:"trusted" yaml:"trusted"`

	// Quarantine holds files flagged by the external scanner.
	// Defaults to Trusted's sibling role when empty is not allowed;
	// it must be configured explicitly.
	Quarantine string `mapstructure:"quarantine" yaml:"quarantine"`

	// Export receives job output files.
	Export string `mapstructure:"export" yaml:"export"`

	// Database is where ledger snapshots are published.
	Database string `mapstructure:"database" yaml:"database"`
}

// Validate checks that every bucket role is configured.
func (b Buckets) Validate() error {
	for _, role := range []struct {
		name, value string
	}{
		{"untrusted", b.Untrusted},
		{"trusted", b.Trusted},
		{"quarantine", b.Quarantine},
		{"export", b.Export},
		{"database", b.Database},
	} {
		if role.value == "" {
			return &ConfigError{Field: role.name, Message: "bucket name is required"}
		}
	}
	return nil
}

// ConfigError reports an invalid storage configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "storage config: " + e.Field + ": " + e.Message
}
