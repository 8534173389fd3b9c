package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Environment   string              `yaml:"environment"`
	Log           LogConfig           `yaml:"log"`
	AWS           AWSConfig           `yaml:"aws"`
	Queue         QueueConfig         `yaml:"queue"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	API           APIConfig           `yaml:"api"`
	Worker        WorkerConfig        `yaml:"worker"`
	Transcode     TranscodeConfig     `yaml:"transcode"`
	Observability ObservabilityConfig `yaml:"observability"`
	CORS          CORSConfig          `yaml:"cors"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region           string `yaml:"region"`
	S3Endpoint       string `yaml:"s3_endpoint"`
	S3ForcePathStyle bool   `yaml:"s3_force_path_style"`
	OutputBucket     string `yaml:"output_bucket"`
	PublicBaseURL    string `yaml:"public_base_url"`
	OutputPrefix     string `yaml:"output_prefix"`
	SQSQueueURL      string `yaml:"sqs_queue_url"`
	SQSDLQURL        string `yaml:"sqs_dlq_url"`
	DynamoDBTable    string `yaml:"dynamodb_table"`
}

// QueueConfig selects and configures the job queue.
type QueueConfig struct {
	Driver        string `yaml:"driver"`
	RabbitMQURL   string `yaml:"rabbitmq_url"`
	RabbitMQQueue string `yaml:"rabbitmq_queue"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DatabaseURL     string        `yaml:"database_url"`
	OwnerTable      string        `yaml:"owner_table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds progress fan-out configuration. An empty URL disables it.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	JWTSecret string `yaml:"jwt_secret"`
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MetricsPort       int           `yaml:"metrics_port"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	TempRoot          string        `yaml:"temp_root"`
	MinFreeDiskMB     int           `yaml:"min_free_disk_mb"`
	WorkspaceMaxAge   time.Duration `yaml:"workspace_max_age"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
}

// TranscodeConfig holds encoder configuration.
type TranscodeConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	// Renditions names the ladder rungs to produce; empty means all.
	Renditions []string `yaml:"renditions"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Queue and store drivers
const (
	QueueSQS      = "sqs"
	QueueRabbitMQ = "rabbitmq"

	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
)

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 1
	DefaultMaxAttempts       = 5
	DefaultBaseRetryDelay    = 30 * time.Second
	DefaultMaxRetryDelay     = 15 * time.Minute
	DefaultJobTimeout        = 2 * time.Hour
	DefaultVisibilityTimeout = 15 * time.Minute
	DefaultMinFreeDiskMB     = 2048
	DefaultWorkspaceMaxAge   = 24 * time.Hour
	DefaultUploadConcurrency = 20
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
	DefaultOutputPrefix      = "lessons"
	DefaultOwnerTable        = "lessons"
	DefaultRabbitMQQueue     = "transcode-jobs"
	DefaultStatusTTL         = 24 * time.Hour
)

// Defaults returns the configuration used before any file or env override.
func Defaults() *Config {
	return &Config{
		Environment: "dev",
		Log:         LogConfig{Level: "info", Format: "json"},
		AWS: AWSConfig{
			Region:       DefaultRegion,
			OutputPrefix: DefaultOutputPrefix,
		},
		Queue: QueueConfig{
			Driver:        QueueSQS,
			RabbitMQQueue: DefaultRabbitMQQueue,
		},
		Store: StoreConfig{
			Driver:          StoreDynamoDB,
			OwnerTable:      DefaultOwnerTable,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{StatusTTL: DefaultStatusTTL},
		API:   APIConfig{Port: DefaultPort},
		Worker: WorkerConfig{
			MaxConcurrentJobs: DefaultMaxConcurrentJobs,
			MetricsPort:       DefaultMetricsPort,
			MaxAttempts:       DefaultMaxAttempts,
			BaseRetryDelay:    DefaultBaseRetryDelay,
			MaxRetryDelay:     DefaultMaxRetryDelay,
			JobTimeout:        DefaultJobTimeout,
			VisibilityTimeout: DefaultVisibilityTimeout,
			MinFreeDiskMB:     DefaultMinFreeDiskMB,
			WorkspaceMaxAge:   DefaultWorkspaceMaxAge,
			UploadConcurrency: DefaultUploadConcurrency,
		},
		Transcode: TranscodeConfig{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"},
		Observability: ObservabilityConfig{
			Enabled:      true,
			OTLPEndpoint: DefaultOTLPEndpoint,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, then environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENV", c.Environment)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.AWS.S3Endpoint = getEnv("S3_ENDPOINT", c.AWS.S3Endpoint)
	c.AWS.S3ForcePathStyle = getEnvBool("S3_FORCE_PATH_STYLE", c.AWS.S3ForcePathStyle)
	c.AWS.OutputBucket = getEnv("OUTPUT_BUCKET", c.AWS.OutputBucket)
	c.AWS.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.AWS.PublicBaseURL)
	c.AWS.OutputPrefix = getEnv("OUTPUT_PREFIX", c.AWS.OutputPrefix)
	c.AWS.SQSQueueURL = getEnv("SQS_QUEUE_URL", c.AWS.SQSQueueURL)
	c.AWS.SQSDLQURL = getEnv("SQS_DLQ_URL", c.AWS.SQSDLQURL)
	c.AWS.DynamoDBTable = getEnv("DYNAMODB_TABLE", c.AWS.DynamoDBTable)

	c.Queue.Driver = strings.ToLower(getEnv("QUEUE_DRIVER", c.Queue.Driver))
	c.Queue.RabbitMQURL = getEnv("RABBITMQ_URL", c.Queue.RabbitMQURL)
	c.Queue.RabbitMQQueue = getEnv("RABBITMQ_QUEUE", c.Queue.RabbitMQQueue)

	c.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", c.Store.Driver))
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.OwnerTable = getEnv("OWNER_TABLE", c.Store.OwnerTable)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.API.Port = getEnv("PORT", c.API.Port)
	c.API.Username = getEnv("API_USERNAME", c.API.Username)
	c.API.Password = getEnv("API_PASSWORD", c.API.Password)
	c.API.JWTSecret = getEnv("JWT_SECRET", c.API.JWTSecret)

	c.Worker.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", c.Worker.MaxConcurrentJobs)
	c.Worker.MetricsPort = getEnvInt("METRICS_PORT", c.Worker.MetricsPort)
	c.Worker.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.BaseRetryDelay = getEnvDuration("BASE_RETRY_DELAY", c.Worker.BaseRetryDelay)
	c.Worker.MaxRetryDelay = getEnvDuration("MAX_RETRY_DELAY", c.Worker.MaxRetryDelay)
	c.Worker.JobTimeout = getEnvDuration("JOB_TIMEOUT", c.Worker.JobTimeout)
	c.Worker.VisibilityTimeout = getEnvDuration("VISIBILITY_TIMEOUT", c.Worker.VisibilityTimeout)
	c.Worker.TempRoot = getEnv("TEMP_ROOT", c.Worker.TempRoot)
	c.Worker.MinFreeDiskMB = getEnvInt("MIN_FREE_DISK_MB", c.Worker.MinFreeDiskMB)
	c.Worker.UploadConcurrency = getEnvInt("UPLOAD_CONCURRENCY", c.Worker.UploadConcurrency)

	c.Transcode.FFmpegPath = getEnv("FFMPEG_PATH", c.Transcode.FFmpegPath)
	c.Transcode.FFprobePath = getEnv("FFPROBE_PATH", c.Transcode.FFprobePath)
	c.Transcode.Renditions = getEnvSlice("RENDITIONS", c.Transcode.Renditions)

	c.Observability.Enabled = getEnvBool("OTEL_ENABLED", c.Observability.Enabled)
	c.Observability.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OTLPEndpoint)

	c.CORS.AllowedOrigins = getEnvSlice("CORS_ALLOWED_ORIGINS", c.CORS.AllowedOrigins)
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	errs := c.validateBackends()

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	errs := c.validateBackends()

	if c.AWS.OutputBucket == "" {
		errs = append(errs, "OUTPUT_BUCKET is required")
	}
	if c.AWS.PublicBaseURL == "" {
		errs = append(errs, "PUBLIC_BASE_URL is required")
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.MaxRetryDelay < c.Worker.BaseRetryDelay {
		errs = append(errs, "MAX_RETRY_DELAY must not be less than BASE_RETRY_DELAY")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBackends() []string {
	var errs []string

	switch c.Queue.Driver {
	case QueueSQS:
		if c.AWS.SQSQueueURL == "" {
			errs = append(errs, "SQS_QUEUE_URL is required")
		}
	case QueueRabbitMQ:
		if c.Queue.RabbitMQURL == "" {
			errs = append(errs, "RABBITMQ_URL is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("QUEUE_DRIVER %q is not supported", c.Queue.Driver))
	}

	switch c.Store.Driver {
	case StoreDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required")
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER %q is not supported", c.Store.Driver))
	}

	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// MinFreeDiskBytes returns the disk preflight threshold in bytes.
func (c *Config) MinFreeDiskBytes() uint64 {
	if c.Worker.MinFreeDiskMB <= 0 {
		return 0
	}
	return uint64(c.Worker.MinFreeDiskMB) << 20
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
