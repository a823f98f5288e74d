package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// DefaultChromiumArgs are the launch flags the service has always run
// Chromium with inside its container.
var DefaultChromiumArgs = []string{
	"--disable-gpu",
	"--no-zygote",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
}

// Config is read once from the environment at startup.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Pool sizing
	MaxBrowsers           int           `envconfig:"MAX_BROWSERS" default:"2" validate:"gt=0"`
	MaxContextsPerBrowser int           `envconfig:"MAX_CONTEXTS_PER_BROWSER" default:"4" validate:"gt=0"`
	MaxContexts           int           `envconfig:"MAX_CONTEXTS" default:"8" validate:"gt=0"`
	MinIdleContexts       int           `envconfig:"MIN_IDLE_CONTEXTS" default:"0" validate:"gte=0"`
	RecycleAfter          int           `envconfig:"RECYCLE_AFTER" default:"50" validate:"gt=0"`
	HealthCheckInterval   time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s" validate:"gt=0"`

	// Task execution
	MaxConcurrentTasks int           `envconfig:"MAX_CONCURRENT_TASKS" default:"8" validate:"gt=0"`
	DefaultTaskTimeout time.Duration `envconfig:"DEFAULT_TASK_TIMEOUT" default:"60s" validate:"gt=0"`
	MaxTaskTimeout     time.Duration `envconfig:"MAX_TASK_TIMEOUT" default:"10m" validate:"gt=0"`
	AcquireTimeout     time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"30s" validate:"gt=0"`
	AcquireAttempts    int           `envconfig:"ACQUIRE_ATTEMPTS" default:"3" validate:"gt=0"`
	TaskRetention      time.Duration `envconfig:"TASK_RETENTION" default:"1h" validate:"gt=0"`
	DrainGrace         time.Duration `envconfig:"DRAIN_GRACE" default:"30s" validate:"gte=0"`

	// Browser launch
	Headless           bool          `envconfig:"HEADLESS" default:"true"`
	ChromiumArgs       []string      `envconfig:"CHROMIUM_ARGS"`
	ChromiumExecutable string        `envconfig:"CHROMIUM_EXECUTABLE"`
	SOCKS5Proxy        string        `envconfig:"SOCKS5_PROXY"`
	LaunchTimeout      time.Duration `envconfig:"LAUNCH_TIMEOUT" default:"30s" validate:"gt=0"`
	LaunchInterval     time.Duration `envconfig:"LAUNCH_INTERVAL" default:"2s" validate:"gte=0"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	InstallBrowsers    bool          `envconfig:"INSTALL_BROWSERS" default:"false"`
	StartupSelfTest    bool          `envconfig:"STARTUP_SELF_TEST" default:"false"`

	// Storage
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"fs" validate:"oneof=fs s3 memory"`
	StoragePath    string `envconfig:"STORAGE_PATH" default:"./storage"`
	S3             S3Config

	// Database. When empty, profiles live in blob storage and scrape tasks in memory.
	DBURL string `envconfig:"DB_URL"`

	// Façade
	APIKeyHashes             []string `envconfig:"API_KEY_HASHES"`
	BlockPrivateNetworks     bool     `envconfig:"BLOCK_PRIVATE_NETWORKS" default:"false"`
	EnableDiagnosticHandlers bool     `envconfig:"ENABLE_DIAGNOSTIC_HANDLERS" default:"false"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
	LogFile   string `envconfig:"LOG_FILE"`
}

// S3Config holds the S3 storage settings.
type S3Config struct {
	Endpoint        string `envconfig:"S3_ENDPOINT"`
	Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	Bucket          string `envconfig:"S3_BUCKET"`
	Prefix          string `envconfig:"S3_PREFIX"`
	ForcePathStyle  bool   `envconfig:"S3_FORCE_PATH_STYLE" default:"false"`
	TempDir         string `envconfig:"S3_TEMP_DIR"`
}

var validate = validator.New()

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.ChromiumArgs) == 0 {
		cfg.ChromiumArgs = append([]string(nil), DefaultChromiumArgs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the relations between limits.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MaxContextsPerBrowser > c.MaxContexts {
		return fmt.Errorf("invalid config: MAX_CONTEXTS_PER_BROWSER (%d) exceeds MAX_CONTEXTS (%d)", c.MaxContextsPerBrowser, c.MaxContexts)
	}
	if c.MinIdleContexts > c.MaxContexts {
		return fmt.Errorf("invalid config: MIN_IDLE_CONTEXTS (%d) exceeds MAX_CONTEXTS (%d)", c.MinIdleContexts, c.MaxContexts)
	}
	if c.DefaultTaskTimeout > c.MaxTaskTimeout {
		return fmt.Errorf("invalid config: DEFAULT_TASK_TIMEOUT (%v) exceeds MAX_TASK_TIMEOUT (%v)", c.DefaultTaskTimeout, c.MaxTaskTimeout)
	}
	if c.StorageBackend == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("invalid config: S3_BUCKET is required when STORAGE_BACKEND=s3")
	}
	return nil
}

// ClampTimeout applies the default for zero and caps at MaxTaskTimeout.
func (c *Config) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.DefaultTaskTimeout
	}
	if d > c.MaxTaskTimeout {
		return c.MaxTaskTimeout
	}
	return d
}
