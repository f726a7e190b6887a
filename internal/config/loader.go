package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LORAFORGE_"

// AppName names the per-user config directory.
const AppName = "loraforge"

// EnvSpec maps an environment variable to a config key path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins the config file used by subsequent Load calls.
// An empty path restores user-config discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load resolves configuration and stores it for GetConfig.
//
// Each override map is applied with the highest precedence, in order.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace.input_dir", "input_images")
	v.SetDefault("workspace.output_dir", "output")
	v.SetDefault("workspace.archive_path", "/tmp/trained_model.tar")
	v.SetDefault("workspace.skip", []string{"__MACOSX/**", "._*"})

	v.SetDefault("weights.dir", "./FLUX.1-dev")
	v.SetDefault("weights.bundle_url", "https://weights.replicate.delivery/default/black-forest-labs/FLUX.1-dev/files.tar")

	v.SetDefault("shortcut.host_prefix", "https://huggingface.co")
	v.SetDefault("shortcut.suffix", ".safetensors")
	v.SetDefault("shortcut.adapter_path", "/tmp/flux_train_replicate/lora.safetensors")

	v.SetDefault("train.job_name", "flux_train_replicate")
	v.SetDefault("train.device", "cuda:0")
	v.SetDefault("train.weights_name", "lora.safetensors")
	v.SetDefault("train.optimizer_name", "optimizer.pt")

	v.SetDefault("trainer.command", []string{"python", "run.py"})
	v.SetDefault("trainer.log_dir", "")
	v.SetDefault("captioner.command", []string{"python", "caption.py"})
	v.SetDefault("captioner.log_dir", "")

	v.SetDefault("publish.backend", PublishBackendHub)
	v.SetDefault("publish.endpoint", "https://huggingface.co")
	v.SetDefault("publish.dir", "")
	v.SetDefault("publish.readme_template", "")
	v.SetDefault("publish.timeout", "30m")
	v.SetDefault("publish.s3.bucket", "")
	v.SetDefault("publish.s3.prefix", "")
	v.SetDefault("publish.s3.region", "")
	v.SetDefault("publish.s3.endpoint", "")
	v.SetDefault("publish.s3.profile", "")

	v.SetDefault("download.rate_limit", 0)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.retry_delay", "2s")
	v.SetDefault("download.token", "")
	v.SetDefault("download.timeout", "0s")
	v.SetDefault("download.s3.region", "")
	v.SetDefault("download.s3.endpoint", "")
	v.SetDefault("download.s3.profile", "")

	v.SetDefault("runs.dir", defaultRunsDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace.InputDir) == "" {
		errs = append(errs, errors.New("workspace.input_dir is required"))
	}
	if strings.TrimSpace(c.Workspace.OutputDir) == "" {
		errs = append(errs, errors.New("workspace.output_dir is required"))
	}
	if c.Workspace.InputDir != "" && filepath.Clean(c.Workspace.InputDir) == filepath.Clean(c.Workspace.OutputDir) {
		errs = append(errs, errors.New("workspace.input_dir and workspace.output_dir must differ"))
	}
	if strings.TrimSpace(c.Workspace.ArchivePath) == "" {
		errs = append(errs, errors.New("workspace.archive_path is required"))
	}
	if strings.TrimSpace(c.Weights.Dir) == "" {
		errs = append(errs, errors.New("weights.dir is required"))
	}
	if strings.TrimSpace(c.Train.JobName) == "" || strings.ContainsAny(c.Train.JobName, `/\`) {
		errs = append(errs, fmt.Errorf("train.job_name %q must be a single path segment", c.Train.JobName))
	}
	if c.Download.RateLimit < 0 {
		errs = append(errs, errors.New("download.rate_limit must be >= 0"))
	}
	if c.Download.Retries < 0 {
		errs = append(errs, errors.New("download.retries must be >= 0"))
	}
	switch c.Publish.Backend {
	case PublishBackendHub, PublishBackendS3, PublishBackendFile:
	default:
		errs = append(errs, fmt.Errorf("publish.backend %q is not one of hub|s3|file", c.Publish.Backend))
	}
	if c.Publish.Timeout < 0 {
		errs = append(errs, errors.New("publish.timeout must be >= 0"))
	}
	if c.Publish.Backend == PublishBackendS3 && strings.TrimSpace(c.Publish.S3.Bucket) == "" {
		errs = append(errs, errors.New("publish.s3.bucket is required for the s3 backend"))
	}
	if c.Publish.Backend == PublishBackendFile && strings.TrimSpace(c.Publish.Dir) == "" {
		errs = append(errs, errors.New("publish.dir is required for the file backend"))
	}
	return errors.Join(errs...)
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "INPUT_DIR", Path: "workspace.input_dir"},
		{Name: EnvPrefix + "OUTPUT_DIR", Path: "workspace.output_dir"},
		{Name: EnvPrefix + "ARCHIVE_PATH", Path: "workspace.archive_path"},
		{Name: EnvPrefix + "WEIGHTS_DIR", Path: "weights.dir"},
		{Name: EnvPrefix + "WEIGHTS_BUNDLE_URL", Path: "weights.bundle_url"},
		{Name: EnvPrefix + "ADAPTER_PATH", Path: "shortcut.adapter_path"},
		{Name: EnvPrefix + "JOB_NAME", Path: "train.job_name"},
		{Name: EnvPrefix + "DEVICE", Path: "train.device"},
		{Name: EnvPrefix + "TRAINER_COMMAND", Path: "trainer.command"},
		{Name: EnvPrefix + "CAPTIONER_COMMAND", Path: "captioner.command"},
		{Name: EnvPrefix + "PUBLISH_BACKEND", Path: "publish.backend"},
		{Name: EnvPrefix + "PUBLISH_ENDPOINT", Path: "publish.endpoint"},
		{Name: EnvPrefix + "README_TEMPLATE", Path: "publish.readme_template"},
		{Name: EnvPrefix + "PUBLISH_TIMEOUT", Path: "publish.timeout"},
		{Name: EnvPrefix + "PUBLISH_S3_BUCKET", Path: "publish.s3.bucket"},
		{Name: EnvPrefix + "PUBLISH_S3_PREFIX", Path: "publish.s3.prefix"},
		{Name: EnvPrefix + "PUBLISH_DIR", Path: "publish.dir"},
		{Name: EnvPrefix + "DOWNLOAD_RATE_LIMIT", Path: "download.rate_limit"},
		{Name: EnvPrefix + "DOWNLOAD_RETRIES", Path: "download.retries"},
		{Name: EnvPrefix + "DOWNLOAD_TOKEN", Path: "download.token"},
		{Name: EnvPrefix + "RUNS_DIR", Path: "runs.dir"},
		{Name: EnvPrefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "LOG_PROFILE", Path: "logging.profile"},
	}
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return nil
	}
	return []string{
		filepath.Join(dir, AppName, "config.yaml"),
		filepath.Join(dir, AppName, "config.yml"),
	}
}

func defaultRunsDir() string {
	if dir := gfconfig.GetAppDataDir(AppName); dir != "" {
		return filepath.Join(dir, "runs")
	}
	return filepath.Join(os.TempDir(), AppName, "runs")
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// DurationOrDefault returns d when positive, otherwise def.
func DurationOrDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
