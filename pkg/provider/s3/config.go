// Package s3 reads upload artifacts from AWS S3 or an S3-compatible store.
package s3

// DefaultAWSRegion applies when neither the config nor the SDK chain names a
// region and no custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// Config locates one artifact bucket.
//
// Credentials come from the SDK default chain (environment, shared files,
// instance role) unless AccessKeyID and SecretAccessKey are both set.
// S3-compatible stores such as MinIO need Endpoint and usually ForcePathStyle;
// no default region is applied for them.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string

	// Profile selects a shared-config profile.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// Validate checks the bucket and credential pairing.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

func (c *Config) staticCredentials() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
