// Package s3 implements storage.Store on AWS S3 and S3-compatible
// stores.
package s3

// Config configures an S3 store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are provided. For S3-compatible stores (MinIO, Wasabi),
// set Endpoint and typically ForcePathStyle.
type Config struct {
	// Region is the AWS region. Empty falls back to environment or
	// profile resolution, then us-east-1 for plain AWS.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Profile selects a shared-config profile.
	Profile string `mapstructure:"profile" yaml:"profile"`

	// AccessKeyID and SecretAccessKey, when set, take precedence over
	// the default credential chain. Both must be set together.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// ForcePathStyle forces path-style URLs. Required for most
	// S3-compatible stores.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// DefaultAWSRegion is the fallback region when none is resolved.
const DefaultAWSRegion = "us-east-1"

// Validate checks the credential pairing.
func (c *Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "access_key_id/secret_access_key",
			Message: "both must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
