// Package s3 implements the provider interface for AWS S3 and S3-compatible
// storage, used as a private weight mirror and as a publication target.
package s3

import "strings"

// DefaultAWSRegion applies to AWS S3 when neither the config nor the SDK
// chain names a region.
const DefaultAWSRegion = "us-east-1"

// Config configures an S3 provider.
//
// Credentials come from the AWS SDK default chain (environment, shared
// files, instance or task roles) unless AccessKeyID and SecretAccessKey are
// both set. With Endpoint set (MinIO, Wasabi, R2) no default region is
// applied.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path. Most S3-compatible
	// stores need it.
	ForcePathStyle bool
}

// WithBucket returns a copy of c addressing bucket.
func (c Config) WithBucket(bucket string) Config {
	c.Bucket = bucket
	return c
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
