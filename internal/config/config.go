package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	ArtifactsBackendLocal = "local"
	ArtifactsBackendMinIO = "minio"

	ReferenceBackendMemory = "memory"
	ReferenceBackendRedis  = "redis"

	DefaultEnvFile = ".env"
)

type Config struct {
	HTTP       HTTPConfig
	RemoveBG   RemoveBGConfig
	Pipeline   PipelineConfig
	Artifacts  ArtifactsConfig
	Storage    StorageConfig
	References ReferencesConfig
	Redis      RedisConfig
	Queue      QueueConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Trace      TraceConfig
}

type HTTPConfig struct {
	Addr              string
	CORSAllowedOrigin string
}

type RemoveBGConfig struct {
	APIKey      string
	Endpoint    string
	Timeout     time.Duration
	Size        string
	MaxInFlight int64
}

type PipelineConfig struct {
	MaxUploadBytes int64
	MaxPixels      int
}

type ArtifactsConfig struct {
	Backend string
	Dir     string
	TTL     time.Duration
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ReferencesConfig struct {
	Backend string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

type QueueConfig struct {
	Name        string
	Concurrency int
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// ExpiryEnabled reports whether uploads schedule artifact expiry.
func (c Config) ExpiryEnabled() bool {
	return c.Artifacts.TTL > 0
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.ExpiryEnabled() || c.RateLimit.Enabled || c.References.Backend == ReferenceBackendRedis
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("removebg_endpoint", "https://api.remove.bg/v1.0/removebg")
	v.SetDefault("removebg_timeout", 60*time.Second)
	v.SetDefault("removebg_size", "auto")
	v.SetDefault("removebg_max_in_flight", 4)

	v.SetDefault("upload_max_bytes", 20<<20)
	v.SetDefault("normalize_max_pixels", 25_000_000)

	v.SetDefault("artifacts_backend", ArtifactsBackendLocal)
	v.SetDefault("artifacts_dir", "./uploads")
	v.SetDefault("artifact_ttl", time.Duration(0))

	v.SetDefault("minio_endpoint", "localhost:9000")
	v.SetDefault("minio_access_key", "minioadmin")
	v.SetDefault("minio_secret_key", "minioadmin")
	v.SetDefault("minio_bucket", "flipcut-artifacts")
	v.SetDefault("minio_use_ssl", false)

	v.SetDefault("reference_backend", ReferenceBackendMemory)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetDefault("async_queue", "default")
	v.SetDefault("worker_concurrency", 2)

	v.SetDefault("rate_limit_enabled", false)
	v.SetDefault("rate_limit_requests", 30)
	v.SetDefault("rate_limit_window", time.Minute)

	v.SetDefault("cors_allowed_origin", "*")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("trace_exporter", "none")
	v.SetDefault("trace_sample_ratio", 1.0)
}

// Load builds the configuration from defaults, the optional dotenv file at
// envFile and the process environment, in increasing order of precedence.
// A missing envFile is not an error.
func Load(envFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := readEnvFile(v, envFile); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:              httpAddr(v),
			CORSAllowedOrigin: v.GetString("cors_allowed_origin"),
		},
		RemoveBG: RemoveBGConfig{
			APIKey:      strings.TrimSpace(v.GetString("background_removal_api_key")),
			Endpoint:    v.GetString("removebg_endpoint"),
			Timeout:     v.GetDuration("removebg_timeout"),
			Size:        v.GetString("removebg_size"),
			MaxInFlight: v.GetInt64("removebg_max_in_flight"),
		},
		Pipeline: PipelineConfig{
			MaxUploadBytes: v.GetInt64("upload_max_bytes"),
			MaxPixels:      v.GetInt("normalize_max_pixels"),
		},
		Artifacts: ArtifactsConfig{
			Backend: strings.ToLower(v.GetString("artifacts_backend")),
			Dir:     v.GetString("artifacts_dir"),
			TTL:     v.GetDuration("artifact_ttl"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("minio_endpoint"),
			AccessKey: v.GetString("minio_access_key"),
			SecretKey: v.GetString("minio_secret_key"),
			Bucket:    v.GetString("minio_bucket"),
			UseSSL:    v.GetBool("minio_use_ssl"),
		},
		References: ReferencesConfig{
			Backend: strings.ToLower(v.GetString("reference_backend")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Queue: QueueConfig{
			Name:        v.GetString("async_queue"),
			Concurrency: v.GetInt("worker_concurrency"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("rate_limit_enabled"),
			Requests: v.GetInt("rate_limit_requests"),
			Window:   v.GetDuration("rate_limit_window"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: strings.ToLower(v.GetString("log_format")),
			File:   v.GetString("log_file"),
		},
		Trace: TraceConfig{
			Exporter:     v.GetString("trace_exporter"),
			OTLPEndpoint: v.GetString("otlp_endpoint"),
			OTLPInsecure: v.GetBool("otlp_insecure"),
			SampleRatio:  v.GetFloat64("trace_sample_ratio"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readEnvFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	return nil
}

func httpAddr(v *viper.Viper) string {
	if addr := strings.TrimSpace(v.GetString("flipcut_http_addr")); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(v.GetString("port")); port != "" {
		return ":" + port
	}
	return ":5000"
}

func (c Config) Validate() error {
	var errs []error

	switch c.Artifacts.Backend {
	case ArtifactsBackendLocal:
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			errs = append(errs, errors.New("ARTIFACTS_DIR is required for the local backend"))
		}
	case ArtifactsBackendMinIO:
		if strings.TrimSpace(c.Storage.Endpoint) == "" || strings.TrimSpace(c.Storage.Bucket) == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ARTIFACTS_BACKEND %q", c.Artifacts.Backend))
	}

	switch c.References.Backend {
	case ReferenceBackendMemory, ReferenceBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown REFERENCE_BACKEND %q", c.References.Backend))
	}

	if c.RemoveBG.Timeout <= 0 {
		errs = append(errs, errors.New("REMOVEBG_TIMEOUT must be positive"))
	}
	if c.RemoveBG.MaxInFlight <= 0 {
		errs = append(errs, errors.New("REMOVEBG_MAX_IN_FLIGHT must be positive"))
	}
	if c.Pipeline.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.Pipeline.MaxPixels < 0 {
		errs = append(errs, errors.New("NORMALIZE_MAX_PIXELS must not be negative"))
	}
	if c.Artifacts.TTL < 0 {
		errs = append(errs, errors.New("ARTIFACT_TTL must not be negative"))
	}
	if c.ExpiryEnabled() && c.Queue.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.NeedsRedis() && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required for redis references, rate limiting and expiry"))
	}

	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be within [0, 1]"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
