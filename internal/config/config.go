// Package config loads loraforge runtime configuration.
//
// Precedence (highest first): runtime overrides, environment variables,
// config file, built-in defaults.
package config

import "time"

// Config is the fully resolved runtime configuration.
//
// Every path and URL the pipeline touches lives here so that several
// orchestrators (e.g. in tests) can run side by side with distinct layouts.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Weights   WeightsConfig   `mapstructure:"weights" yaml:"weights"`
	Shortcut  ShortcutConfig  `mapstructure:"shortcut" yaml:"shortcut"`
	Train     TrainConfig     `mapstructure:"train" yaml:"train"`
	Trainer   ProcessConfig   `mapstructure:"trainer" yaml:"trainer"`
	Captioner ProcessConfig   `mapstructure:"captioner" yaml:"captioner"`
	Publish   PublishConfig   `mapstructure:"publish" yaml:"publish"`
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Runs      RunsConfig      `mapstructure:"runs" yaml:"runs"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// WorkspaceConfig holds the staging directories reset before every run.
type WorkspaceConfig struct {
	InputDir    string   `mapstructure:"input_dir" yaml:"input_dir"`
	OutputDir   string   `mapstructure:"output_dir" yaml:"output_dir"`
	ArchivePath string   `mapstructure:"archive_path" yaml:"archive_path"`
	Skip        []string `mapstructure:"skip" yaml:"skip"`
}

// WeightsConfig locates the base model weights.
type WeightsConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir"`
	BundleURL string `mapstructure:"bundle_url" yaml:"bundle_url"`
}

// ShortcutConfig controls detection and storage of pre-trained adapters.
type ShortcutConfig struct {
	HostPrefix  string `mapstructure:"host_prefix" yaml:"host_prefix"`
	Suffix      string `mapstructure:"suffix" yaml:"suffix"`
	AdapterPath string `mapstructure:"adapter_path" yaml:"adapter_path"`
}

// TrainConfig holds environment-fixed training values.
type TrainConfig struct {
	JobName       string `mapstructure:"job_name" yaml:"job_name"`
	Device        string `mapstructure:"device" yaml:"device"`
	WeightsName   string `mapstructure:"weights_name" yaml:"weights_name"`
	OptimizerName string `mapstructure:"optimizer_name" yaml:"optimizer_name"`
}

// ProcessConfig describes an external helper command.
type ProcessConfig struct {
	Command []string `mapstructure:"command" yaml:"command"`
	LogDir  string   `mapstructure:"log_dir" yaml:"log_dir"`
}

// Publication backends.
const (
	PublishBackendHub  = "hub"
	PublishBackendS3   = "s3"
	PublishBackendFile = "file"
)

// PublishConfig configures the model registry.
type PublishConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	ReadmeTemplate string        `mapstructure:"readme_template" yaml:"readme_template"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	S3             S3Config      `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures an S3 or S3-compatible store.
type S3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile  string `mapstructure:"profile" yaml:"profile"`
}

// DownloadConfig tunes weight and adapter downloads.
type DownloadConfig struct {
	// RateLimit caps download bandwidth in bytes per second. Zero disables the cap.
	RateLimit  int64         `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retries    int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// S3 applies to s3:// weight bundles and adapters. The bucket comes
	// from the URL.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// RunsConfig locates the run registry.
type RunsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}
