package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"airwave/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PublicURL       string        `yaml:"public_url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		BcryptCost      int           `yaml:"bcrypt_cost"`
	} `yaml:"auth"`

	Media struct {
		CredentialSecret string        `yaml:"credential_secret"`
		TokenTTL         time.Duration `yaml:"token_ttl"`
		ICEServers       []ICEServer   `yaml:"ice_servers"`
		PortRange        struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		RelayBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"relay_breaker"`
	} `yaml:"media"`

	Assignment struct {
		MaxParallelWrites int           `yaml:"max_parallel_writes"`
		WriteRetries      int           `yaml:"write_retries"`
		ReconcileLockTTL  time.Duration `yaml:"reconcile_lock_ttl"`
	} `yaml:"assignment"`

	Feed struct {
		PingInterval  time.Duration `yaml:"ping_interval"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		SendQueueSize int           `yaml:"send_queue_size"`
	} `yaml:"feed"`

	Backup struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		Retain   int           `yaml:"retain"`
		Prefix   string        `yaml:"prefix"`
		// Storage is "file" or "s3".
		Storage string `yaml:"storage"`
		Path    string `yaml:"path"`
		S3      struct {
			Endpoint        string `yaml:"endpoint"`
			Region          string `yaml:"region"`
			Bucket          string `yaml:"bucket"`
			Prefix          string `yaml:"prefix"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			UsePathStyle    bool   `yaml:"use_path_style"`
		} `yaml:"s3"`
	} `yaml:"backup"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsPath       string        `yaml:"metrics_path"`
		HealthInterval    time.Duration `yaml:"health_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateURL(c.Signal.PublicURL); err != nil {
		return fmt.Errorf("signal.public_url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be within [4, 31]")
	}

	// Media
	if c.Media.CredentialSecret == "" {
		return fmt.Errorf("media.credential_secret must not be empty")
	}
	if c.Media.TokenTTL <= 0 {
		return fmt.Errorf("media.token_ttl must be > 0")
	}
	if c.Media.PortRange.Min > 0 || c.Media.PortRange.Max > 0 {
		if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
			return fmt.Errorf("media.port_range.min and max must both be set when one is set")
		}
		if c.Media.PortRange.Min >= c.Media.PortRange.Max {
			return fmt.Errorf("media.port_range.min must be < max")
		}
	}

	if c.Media.RelayBreaker.FailureThreshold < 0 {
		return fmt.Errorf("media.relay_breaker.failure_threshold must be >= 0")
	}

	// Assignment
	if c.Assignment.MaxParallelWrites <= 0 {
		return fmt.Errorf("assignment.max_parallel_writes must be > 0")
	}
	if c.Assignment.WriteRetries < 0 {
		return fmt.Errorf("assignment.write_retries must be >= 0")
	}
	if c.Assignment.ReconcileLockTTL <= 0 {
		return fmt.Errorf("assignment.reconcile_lock_ttl must be > 0")
	}

	// Feed
	if c.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be > 0")
	}
	if c.Feed.SendQueueSize <= 0 {
		return fmt.Errorf("feed.send_queue_size must be > 0")
	}

	// Backup
	switch c.Backup.Storage {
	case "file":
		if c.Backup.Path == "" {
			return fmt.Errorf("backup.path must not be empty for file storage")
		}
	case "s3":
		if c.Backup.S3.Bucket == "" {
			return fmt.Errorf("backup.s3.bucket must not be empty for s3 storage")
		}
		if c.Backup.S3.Endpoint != "" {
			if err := validation.ValidateURL(c.Backup.S3.Endpoint); err != nil {
				return fmt.Errorf("backup.s3.endpoint: %w", err)
			}
		}
	default:
		return fmt.Errorf("backup.storage must be \"file\" or \"s3\"")
	}
	if c.Backup.Enabled && c.Backup.Interval <= 0 {
		return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
	}
	if c.Backup.Retain < 0 {
		return fmt.Errorf("backup.retain must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PublicURL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "airwave:"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}
	cfg.Auth.BcryptCost = 10

	cfg.Media.CredentialSecret = "change-me-in-production"
	cfg.Media.TokenTTL = 24 * time.Hour
	cfg.Media.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Media.DialTimeout = 10 * time.Second
	cfg.Media.RelayBreaker.FailureThreshold = 5
	cfg.Media.RelayBreaker.OpenTimeout = 30 * time.Second

	cfg.Assignment.MaxParallelWrites = 16
	cfg.Assignment.WriteRetries = 3
	cfg.Assignment.ReconcileLockTTL = 2 * time.Minute

	cfg.Feed.PingInterval = 30 * time.Second
	cfg.Feed.WriteTimeout = 10 * time.Second
	cfg.Feed.SendQueueSize = 64

	cfg.Backup.Enabled = false
	cfg.Backup.Interval = 6 * time.Hour
	cfg.Backup.Retain = 28
	cfg.Backup.Prefix = "directory"
	cfg.Backup.Storage = "file"
	cfg.Backup.Path = "backups"
	cfg.Backup.S3.Region = "us-east-1"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthInterval = 15 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "airwave"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("AIRWAVE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("AIRWAVE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("AIRWAVE_SIGNAL_PUBLIC_URL"); url != "" {
		c.Signal.PublicURL = url
	}
	if level := os.Getenv("AIRWAVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("AIRWAVE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("AIRWAVE_MEDIA_SECRET"); secret != "" {
		c.Media.CredentialSecret = secret
	}
	if addr := os.Getenv("AIRWAVE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if enabled, err := strconv.ParseBool(os.Getenv("AIRWAVE_REDIS_ENABLED")); err == nil {
		c.Redis.Enabled = enabled
	}
	if bucket := os.Getenv("AIRWAVE_BACKUP_S3_BUCKET"); bucket != "" {
		c.Backup.Storage = "s3"
		c.Backup.S3.Bucket = bucket
	}
	if id := os.Getenv("AIRWAVE_BACKUP_S3_ACCESS_KEY_ID"); id != "" {
		c.Backup.S3.AccessKeyID = id
	}
	if secret := os.Getenv("AIRWAVE_BACKUP_S3_SECRET_ACCESS_KEY"); secret != "" {
		c.Backup.S3.SecretAccessKey = secret
	}
	if n, err := strconv.Atoi(os.Getenv("AIRWAVE_ASSIGNMENT_MAX_PARALLEL")); err == nil && n > 0 {
		c.Assignment.MaxParallelWrites = n
	}
}
