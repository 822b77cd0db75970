package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	"github.com/securethecloud/ebs-encryptor/pkg/security"
	"github.com/spf13/viper"
)

// Workflow modes
const (
	WorkflowFSM    = "fsm"
	WorkflowInline = "inline"
)

// Profile is one named account/region target
type Profile struct {
	Name       string `mapstructure:"-"`
	Region     string `mapstructure:"region"`
	KMSKeyID   string `mapstructure:"kms-key-id"`
	ClientName string `mapstructure:"client-name"`
	// AWSProfile names the shared-credentials profile; defaults to Name.
	AWSProfile string `mapstructure:"aws-profile"`
}

// Config holds all application configuration
type Config struct {
	// Selected profile
	ProfileName string             `mapstructure:"profile"`
	Profiles    map[string]Profile `mapstructure:"profiles"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Log directory; one subdirectory per client
	LogDir string `mapstructure:"log-dir"`

	// Execution
	Workflow    string `mapstructure:"workflow"`
	Limit       int    `mapstructure:"limit"`
	FastRestore bool   `mapstructure:"fast-restore"`
	Yes         bool   `mapstructure:"yes"`

	// Waits
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	InstanceTimeout time.Duration `mapstructure:"instance-timeout"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot-timeout"`
	VolumeTimeout   time.Duration `mapstructure:"volume-timeout"`

	// AWS transport
	AWSMaxAttempts int `mapstructure:"aws-max-attempts"`

	// Optional S3 bucket receiving the run log
	AuditBucket string `mapstructure:"audit-bucket"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("profile", "")
	v.SetDefault("sqlite-path", ".artifacts/migrations.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("log-dir", "logs")
	v.SetDefault("workflow", WorkflowFSM)
	v.SetDefault("limit", 0)
	v.SetDefault("fast-restore", true)
	v.SetDefault("yes", false)
	v.SetDefault("poll-interval", migrate.DefaultWaits.Interval)
	v.SetDefault("instance-timeout", migrate.DefaultWaits.InstanceTimeout)
	v.SetDefault("snapshot-timeout", migrate.DefaultWaits.SnapshotTimeout)
	v.SetDefault("volume-timeout", migrate.DefaultWaits.VolumeTimeout)
	v.SetDefault("aws-max-attempts", 10)
	v.SetDefault("audit-bucket", "")
}

// Load reads configuration from environment, config file, and defaults.
// An explicit configFile must exist; otherwise config.yaml is searched for
// in the working directory and $HOME/.ebs-encryptor.
func Load(configFile string) (*Config, error) {
	return LoadFrom(viper.GetViper(), configFile)
}

// LoadFrom is Load against a specific viper instance
func LoadFrom(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be EBSENC_SQLITE_PATH, etc.)
	v.SetEnvPrefix("EBSENC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config %s: %w", errors.ErrInvalidConfig, configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ebs-encryptor")

		// Config file is optional when searched for
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: failed to read config: %w", errors.ErrInvalidConfig, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return invalid("sqlite-path cannot be empty")
	}
	if c.LogDir == "" {
		return invalid("log-dir cannot be empty")
	}
	switch c.Workflow {
	case WorkflowFSM:
		if c.FSMDBPath == "" {
			return invalid("fsm-db-path cannot be empty")
		}
	case WorkflowInline:
	default:
		return invalid("workflow must be %q or %q, got %q", WorkflowFSM, WorkflowInline, c.Workflow)
	}
	if c.Limit < 0 {
		return invalid("limit must be non-negative")
	}
	if c.PollInterval <= 0 {
		return invalid("poll-interval must be positive")
	}
	if c.InstanceTimeout <= 0 || c.SnapshotTimeout <= 0 || c.VolumeTimeout <= 0 {
		return invalid("wait timeouts must be positive")
	}
	if c.AWSMaxAttempts < 0 {
		return invalid("aws-max-attempts must be non-negative")
	}
	return nil
}

// Profile returns the named profile, validated. An empty name selects
// ProfileName.
func (c *Config) Profile(name string) (Profile, error) {
	if name == "" {
		name = c.ProfileName
	}
	if name == "" {
		return Profile{}, invalid("no profile selected (use --profile)")
	}
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, invalid("profile %q not found in configuration", name)
	}
	p.Name = name
	if p.AWSProfile == "" {
		p.AWSProfile = name
	}

	v := security.NewValidator()
	if err := v.ValidatePathComponent(name); err != nil {
		return Profile{}, fmt.Errorf("%w: profile name: %w", errors.ErrInvalidConfig, err)
	}
	if err := v.ValidateRegion(p.Region); err != nil {
		return Profile{}, fmt.Errorf("%w: profile %s: %w", errors.ErrInvalidConfig, name, err)
	}
	if err := v.ValidateKMSKeyID(p.KMSKeyID); err != nil {
		return Profile{}, fmt.Errorf("%w: profile %s: %w", errors.ErrInvalidConfig, name, err)
	}
	if err := v.ValidatePathComponent(p.ClientName); err != nil {
		return Profile{}, fmt.Errorf("%w: profile %s: client-name: %w", errors.ErrInvalidConfig, name, err)
	}
	return p, nil
}

// Waits returns the engine's poll settings
func (c *Config) Waits() migrate.Waits {
	return migrate.Waits{
		Interval:        c.PollInterval,
		InstanceTimeout: c.InstanceTimeout,
		SnapshotTimeout: c.SnapshotTimeout,
		VolumeTimeout:   c.VolumeTimeout,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
