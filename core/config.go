package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("fleet-gateway"),
//	    WithPort(8080),
//	    WithCORS([]string{"https://portal.example.com"}, true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name      string `json:"name" env:"GATEWAY_NAME"`
	ID        string `json:"id" env:"GATEWAY_ID"`
	Port      int    `json:"port" env:"PORT" default:"8080"`
	Address   string `json:"address" env:"GATEWAY_ADDRESS"`
	Namespace string `json:"namespace" env:"NAMESPACE" default:"default"`

	HTTP HTTPConfig `json:"http"`

	// Broker is the key-value/pub-sub backing store.
	Broker BrokerConfig `json:"broker"`

	// Queue holds command-queue claim/lease defaults.
	Queue QueueConfig `json:"queue"`

	// ConnManager holds connection-manager send/heartbeat thresholds.
	ConnManager ConnManagerConfig `json:"conn_manager"`

	// HITL holds approval-coordinator timeout defaults.
	HITL HITLCoordinatorConfig `json:"hitl"`

	// Auth holds JWT and device-session authentication settings.
	Auth AuthConfig `json:"auth"`

	// ScriptIntegrity holds the signing-key source for script packages.
	ScriptIntegrity ScriptIntegrityConfig `json:"script_integrity"`

	// Catalog holds the Postgres connection settings for the persistent
	// catalog store (tenants, devices, chat sessions, approval policies).
	Catalog CatalogConfig `json:"catalog"`

	Telemetry   TelemetryConfig   `json:"telemetry"`
	Resilience  ResilienceConfig  `json:"resilience"`
	Logging     LoggingConfig     `json:"logging"`
	Development DevelopmentConfig `json:"development"`
	Kubernetes  KubernetesConfig  `json:"kubernetes"`

	// Logger instance for configuration operations (excluded from JSON)
	logger Logger `json:"-"`
}

// HTTPConfig contains HTTP server configuration including timeouts, limits, and CORS settings.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" env:"GATEWAY_HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"GATEWAY_HTTP_READ_HEADER_TIMEOUT" default:"56s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"GATEWAY_HTTP_WRITE_TIMEOUT" default:"50s"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"GATEWAY_HTTP_IDLE_TIMEOUT" default:"55s"`
	MaxHeaderBytes    int           `json:"max_header_bytes" env:"GATEWAY_HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"GATEWAY_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	EnableHealthCheck bool          `json:"enable_health_check" env:"GATEWAY_HTTP_HEALTH_CHECK" default:"true"`
	HealthCheckPath   string        `json:"health_check_path" env:"GATEWAY_HTTP_HEALTH_PATH" default:"/healthz"`
	CORS              CORSConfig    `json:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing (CORS) configuration for
// the customer/web-portal HTTP and websocket surfaces.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" env:"GATEWAY_CORS_ENABLED" default:"false"`
	AllowedOrigins   []string `json:"allowed_origins" env:"GATEWAY_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" env:"GATEWAY_CORS_METHODS" default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `json:"allowed_headers" env:"GATEWAY_CORS_HEADERS" default:"Content-Type,Authorization"`
	ExposedHeaders   []string `json:"exposed_headers" env:"GATEWAY_CORS_EXPOSED_HEADERS"`
	AllowCredentials bool     `json:"allow_credentials" env:"GATEWAY_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" env:"GATEWAY_CORS_MAX_AGE" default:"86400"`
}

// BrokerConfig configures the key-value/pub-sub broker adapter.
type BrokerConfig struct {
	URL            string        `json:"url" env:"GATEWAY_BROKER_URL,REDIS_URL" default:"redis://localhost:6379"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"GATEWAY_BROKER_CONNECT_TIMEOUT" default:"5s"`
	CommandTimeout time.Duration `json:"command_timeout" env:"GATEWAY_BROKER_COMMAND_TIMEOUT" default:"5s"`
}

// QueueConfig configures command-queue claim/lease bounds.
type QueueConfig struct {
	MaxClaimLimit        int           `json:"max_claim_limit" env:"GATEWAY_QUEUE_MAX_CLAIM_LIMIT" default:"10"`
	MinVisibility        time.Duration `json:"min_visibility" env:"GATEWAY_QUEUE_MIN_VISIBILITY" default:"60s"`
	MaxVisibility        time.Duration `json:"max_visibility" env:"GATEWAY_QUEUE_MAX_VISIBILITY" default:"3600s"`
	MaxExtension         time.Duration `json:"max_extension" env:"GATEWAY_QUEUE_MAX_EXTENSION" default:"300s"`
	ReaperCadence        time.Duration `json:"reaper_cadence" env:"GATEWAY_QUEUE_REAPER_CADENCE" default:"10s"`
	CompletedHistorySize int           `json:"completed_history_size" env:"GATEWAY_QUEUE_COMPLETED_HISTORY" default:"100"`
	MaxOutputBytes       int           `json:"max_output_bytes" env:"GATEWAY_QUEUE_MAX_OUTPUT_BYTES" default:"10240"`
	MaxErrorBytes        int           `json:"max_error_bytes" env:"GATEWAY_QUEUE_MAX_ERROR_BYTES" default:"5120"`
}

// ConnManagerConfig configures the connection manager's send backpressure
// thresholds and heartbeat cadence.
type ConnManagerConfig struct {
	MaxMessageBytes    int           `json:"max_message_bytes" env:"GATEWAY_CONN_MAX_MESSAGE_BYTES" default:"102400"`
	MaxQueueEntries    int           `json:"max_queue_entries" env:"GATEWAY_CONN_MAX_QUEUE_ENTRIES" default:"10"`
	MaxQueueBytes      int           `json:"max_queue_bytes" env:"GATEWAY_CONN_MAX_QUEUE_BYTES" default:"524288"`
	HighWaterMarkBytes int           `json:"high_water_mark_bytes" env:"GATEWAY_CONN_HIGH_WATER_MARK" default:"262144"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval" env:"GATEWAY_CONN_HEARTBEAT_INTERVAL" default:"30s"`
}

// HITLCoordinatorConfig configures approval escalation timeouts.
type HITLCoordinatorConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"GATEWAY_HITL_DEFAULT_TIMEOUT" default:"300s"`
	SessionTTL     time.Duration `json:"session_ttl" env:"GATEWAY_HITL_SESSION_TTL" default:"2h"`
	SweepCadence   time.Duration `json:"sweep_cadence" env:"GATEWAY_HITL_SWEEP_CADENCE" default:"30m"`
	PolicyCacheTTL time.Duration `json:"policy_cache_ttl" env:"GATEWAY_HITL_POLICY_CACHE_TTL" default:"5m"`
}

// AuthConfig configures customer/web-portal JWT verification and the
// internal-metrics bearer token.
type AuthConfig struct {
	JWTPublicKey      string        `json:"-" env:"JWT_PUBLIC_KEY"`
	JWTIssuer         string        `json:"jwt_issuer" env:"GATEWAY_JWT_ISSUER"`
	InternalAuthToken string        `json:"-" env:"INTERNAL_AUTH_TOKEN"`
	DeviceSessionTTL  time.Duration `json:"device_session_ttl" env:"GATEWAY_DEVICE_SESSION_TTL" default:"168h"`
}

// ScriptIntegrityConfig configures the persistent signing keypair.
// SigningKeyPath, when set, loads a base64 ed25519 seed from a file so the
// keypair survives process restarts as the design requires.
type ScriptIntegrityConfig struct {
	SigningKeyPath string `json:"signing_key_path" env:"GATEWAY_SIGNING_KEY_PATH"`
}

// CatalogConfig configures the catalog store's Postgres connection.
type CatalogConfig struct {
	DSN             string        `json:"-" env:"CATALOG_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"GATEWAY_CATALOG_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"GATEWAY_CATALOG_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"GATEWAY_CATALOG_CONN_MAX_LIFETIME" default:"30m"`
	QueryTimeout    time.Duration `json:"query_timeout" env:"GATEWAY_CATALOG_QUERY_TIMEOUT" default:"5s"`

	// Resilience wraps every catalog query in a circuit breaker, mirroring
	// the broker's own; populated from top-level ResilienceConfig by the
	// composition root.
	Resilience CircuitBreakerConfig `json:"-"`

	// Retry configures the retry executor layered under Resilience;
	// populated from top-level ResilienceConfig by the composition root.
	Retry RetryConfig `json:"-"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing. This is an optional module - telemetry is only
// initialized when Enabled=true.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"GATEWAY_TELEMETRY_ENABLED" default:"false"`
	Provider       string  `json:"provider" env:"GATEWAY_TELEMETRY_PROVIDER" default:"otel"`
	Endpoint       string  `json:"endpoint" env:"GATEWAY_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"GATEWAY_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" env:"GATEWAY_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" env:"GATEWAY_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" env:"GATEWAY_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"GATEWAY_TELEMETRY_INSECURE" default:"true"`
}

// ResilienceConfig contains fault tolerance and resilience patterns configuration.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        TimeoutConfig        `json:"timeout"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings, applied to
// broker and catalog-store calls.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"GATEWAY_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" env:"GATEWAY_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"GATEWAY_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"GATEWAY_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// Formula: interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" env:"GATEWAY_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" env:"GATEWAY_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" env:"GATEWAY_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" env:"GATEWAY_RETRY_MULTIPLIER" default:"2.0"`
}

// TimeoutConfig defines default timeout settings for various operations.
type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"GATEWAY_TIMEOUT_DEFAULT" default:"30s"`
	MaxTimeout     time.Duration `json:"max_timeout" env:"GATEWAY_TIMEOUT_MAX" default:"5m"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"GATEWAY_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"GATEWAY_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"GATEWAY_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"GATEWAY_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"DEV_MODE" default:"false"`
	MockBroker   bool `json:"mock_broker" env:"GATEWAY_MOCK_BROKER" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"GATEWAY_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"GATEWAY_PRETTY_LOGS" default:"false"`
}

// KubernetesConfig contains Kubernetes-specific settings. The gateway
// automatically detects Kubernetes environments by checking for
// KUBERNETES_SERVICE_HOST and adjusts defaults for containerized
// deployments (binding to 0.0.0.0, JSON logging).
type KubernetesConfig struct {
	Enabled            bool   `json:"enabled" env:"KUBERNETES_SERVICE_HOST"`
	ServiceName        string `json:"service_name" env:"GATEWAY_K8S_SERVICE_NAME"`
	ServicePort        int    `json:"service_port" env:"GATEWAY_K8S_SERVICE_PORT" default:"80"`
	PodName            string `json:"pod_name" env:"HOSTNAME"`
	PodNamespace       string `json:"pod_namespace" env:"GATEWAY_K8S_NAMESPACE"`
	PodIP              string `json:"pod_ip" env:"GATEWAY_K8S_POD_IP"`
	ServiceAccountPath string `json:"service_account_path" env:"GATEWAY_K8S_SA_PATH" default:"/var/run/secrets/kubernetes.io/serviceaccount"`
}

// Option is a functional option for configuring the gateway.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults. The defaults
// are adjusted based on the detected environment (Kubernetes vs local).
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "fleet-gateway",
		Port:      8080,
		Address:   "localhost",
		Namespace: "default",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: HTTPHeadersTimeout,
			WriteTimeout:      HTTPRequestTimeout,
			IdleTimeout:       HTTPKeepAliveTimeout,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   10 * time.Second,
			EnableHealthCheck: true,
			HealthCheckPath:   "/healthz",
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Broker: BrokerConfig{
			URL:            "redis://localhost:6379",
			ConnectTimeout: BrokerConnectTimeout,
			CommandTimeout: BrokerCommandTimeout,
		},
		Queue: QueueConfig{
			MaxClaimLimit:        10,
			MinVisibility:        60 * time.Second,
			MaxVisibility:        CommandLeaseMax,
			MaxExtension:         5 * time.Minute,
			ReaperCadence:        ReaperCadence,
			CompletedHistorySize: 100,
			MaxOutputBytes:       10 * 1024,
			MaxErrorBytes:        5 * 1024,
		},
		ConnManager: ConnManagerConfig{
			MaxMessageBytes:    100 * 1024,
			MaxQueueEntries:    10,
			MaxQueueBytes:      512 * 1024,
			HighWaterMarkBytes: 256 * 1024,
			HeartbeatInterval:  HeartbeatInterval,
		},
		HITL: HITLCoordinatorConfig{
			DefaultTimeout: ApprovalDefaultTimeout,
			SessionTTL:     HITLSessionTTL,
			SweepCadence:   HITLSweepCadence,
			PolicyCacheTTL: 5 * time.Minute,
		},
		Auth: AuthConfig{
			DeviceSessionTTL: DeviceSessionTTL,
		},
		Catalog: CatalogConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Provider:       "otel",
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
				MaxTimeout:     5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339,
		},
		Development: DevelopmentConfig{},
		Kubernetes: KubernetesConfig{
			ServicePort:        80,
			ServiceAccountPath: "/var/run/secrets/kubernetes.io/serviceaccount",
		},
	}

	cfg.DetectEnvironment()
	return cfg
}

// DetectEnvironment adjusts defaults based on whether the process is
// running inside Kubernetes.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
		if c.Broker.URL == "" || c.Broker.URL == "redis://localhost:6379" {
			c.Broker.URL = "redis://redis.default.svc.cluster.local:6379"
		}
	} else {
		c.Development.Enabled = true
		c.Logging.Format = "text"
		c.Development.PrettyLogs = true
	}
}

// LoadFromEnv overlays environment-variable values onto the configuration.
// Environment variables take priority over defaults but are overridden by
// functional options passed to NewConfig.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GATEWAY_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}

	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("GATEWAY_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}

	if v := os.Getenv("GATEWAY_QUEUE_MAX_CLAIM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxClaimLimit = n
		}
	}

	if v := os.Getenv(EnvJWTPublicKey); v != "" {
		c.Auth.JWTPublicKey = v
	}
	if v := os.Getenv(EnvInternalAuthToken); v != "" {
		c.Auth.InternalAuthToken = v
	}
	if v := os.Getenv("GATEWAY_SIGNING_KEY_PATH"); v != "" {
		c.ScriptIntegrity.SigningKeyPath = v
	}

	if v := os.Getenv(EnvCatalogDSN); v != "" {
		c.Catalog.DSN = v
	}
	if v := os.Getenv("GATEWAY_CATALOG_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Catalog.MaxOpenConns = n
		}
	}

	if v := os.Getenv("GATEWAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	if v := os.Getenv("GATEWAY_CB_ENABLED"); v != "" {
		c.Resilience.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.Retry.MaxAttempts = n
		}
	}

	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv(EnvDevMode); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_MOCK_BROKER"); v != "" {
		c.Development.MockBroker = parseBool(v)
	}

	if v := os.Getenv("GATEWAY_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}
	if v := os.Getenv("GATEWAY_CORS_CREDENTIALS"); v != "" {
		c.HTTP.CORS.AllowCredentials = parseBool(v)
	}

	return nil
}

// LoadFromFile overlays a YAML or JSON configuration file onto the
// configuration. The file format is inferred from its extension.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfiguration, ext)
	}

	return nil
}

// Validate checks the configuration for internal consistency, returning the
// first violation found.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker URL is required", ErrMissingConfiguration)
	}
	if c.Queue.MaxClaimLimit < 1 || c.Queue.MaxClaimLimit > 10 {
		return fmt.Errorf("%w: queue max claim limit must be in [1,10]", ErrInvalidConfiguration)
	}
	if c.Queue.MinVisibility < 60*time.Second || c.Queue.MaxVisibility > time.Hour {
		return fmt.Errorf("%w: queue visibility bounds must be within [60s,3600s]", ErrInvalidConfiguration)
	}
	if c.ConnManager.HighWaterMarkBytes <= 0 || c.ConnManager.HighWaterMarkBytes > c.ConnManager.MaxQueueBytes {
		return fmt.Errorf("%w: connection high-water mark must be positive and below max queue bytes", ErrInvalidConfiguration)
	}
	if !c.Development.Enabled && c.Auth.JWTPublicKey == "" {
		return fmt.Errorf("%w: JWT public key is required outside development mode", ErrMissingConfiguration)
	}
	return nil
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// WithName sets the gateway's service name, used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name cannot be empty", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, port)
		}
		c.Port = port
		return nil
	}
}

// WithAddress sets the bind address.
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

// WithNamespace sets the broker key namespace used for multi-tenant isolation.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithCORS enables CORS with the given allowed origins and credentials policy.
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithCORSDefaults enables CORS with permissive development defaults.
func WithCORSDefaults() Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = []string{"*"}
		c.HTTP.CORS.AllowCredentials = false
		return nil
	}
}

// WithBrokerURL sets the broker connection URL.
func WithBrokerURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("%w: broker URL cannot be empty", ErrInvalidConfiguration)
		}
		c.Broker.URL = url
		return nil
	}
}

// WithQueueLimits overrides the command queue's claim-limit and visibility bounds.
func WithQueueLimits(maxClaimLimit int, minVisibility, maxVisibility time.Duration) Option {
	return func(c *Config) error {
		if maxClaimLimit < 1 || maxClaimLimit > 10 {
			return fmt.Errorf("%w: claim limit must be in [1,10]", ErrInvalidConfiguration)
		}
		c.Queue.MaxClaimLimit = maxClaimLimit
		c.Queue.MinVisibility = minVisibility
		c.Queue.MaxVisibility = maxVisibility
		return nil
	}
}

// WithHeartbeatInterval overrides the connection manager's heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfiguration)
		}
		c.ConnManager.HeartbeatInterval = interval
		return nil
	}
}

// WithApprovalTimeout overrides the HITL coordinator's default escalation timeout.
func WithApprovalTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: approval timeout must be positive", ErrInvalidConfiguration)
		}
		c.HITL.DefaultTimeout = timeout
		return nil
	}
}

// WithJWTPublicKey sets the customer/web-portal JWT verification key.
func WithJWTPublicKey(key string) Option {
	return func(c *Config) error {
		c.Auth.JWTPublicKey = key
		return nil
	}
}

// WithSigningKeyPath sets the persistent script-integrity signing key file.
func WithSigningKeyPath(path string) Option {
	return func(c *Config) error {
		c.ScriptIntegrity.SigningKeyPath = path
		return nil
	}
}

// WithTelemetry enables or disables telemetry export to the given endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithEnableMetrics toggles metrics emission within the telemetry module.
func WithEnableMetrics(enabled bool) Option {
	return func(c *Config) error {
		c.Telemetry.MetricsEnabled = enabled
		return nil
	}
}

// WithEnableTracing toggles distributed tracing within the telemetry module.
func WithEnableTracing(enabled bool) Option {
	return func(c *Config) error {
		c.Telemetry.TracingEnabled = enabled
		return nil
	}
}

// WithOTELEndpoint sets the OTLP exporter endpoint.
func WithOTELEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the minimum log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithCircuitBreaker overrides the circuit breaker's failure threshold and open timeout.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithRetry overrides the retry pattern's attempt count and initial backoff.
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

// WithKubernetes toggles Kubernetes-specific behavior.
func WithKubernetes(serviceDiscovery bool) Option {
	return func(c *Config) error {
		c.Kubernetes.Enabled = serviceDiscovery
		return nil
	}
}

// WithConfigFile loads configuration from a file, applied before other options.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode toggles development-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Logging.Format = "text"
			c.Development.PrettyLogs = true
		}
		return nil
	}
}

// WithMockBroker enables an in-memory broker stand-in for tests.
func WithMockBroker(enabled bool) Option {
	return func(c *Config) error {
		c.Development.MockBroker = enabled
		return nil
	}
}

// WithLogger injects a pre-built logger instead of constructing a ProductionLogger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config from defaults, environment variables, and the
// given functional options, in that priority order, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ============================================================================
// ProductionLogger Implementation - Layered Observability Architecture
// ============================================================================

// ProductionLogger provides layered observability for gateway operations:
// console output always works, metrics emission activates once telemetry
// registers itself, and trace correlation activates once baggage is present.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	// Metrics layer (enabled when telemetry available)
	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig. The logger is
// registered with the metrics-enablement list so a telemetry.Initialize
// that runs later still upgrades it.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	p := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		component:   "gateway",
		format:      logging.Format,
		output:      output,
	}
	trackLogger(p)
	return p
}

// EnableMetrics is called by the telemetry package to enable the metrics layer
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

// WithComponent returns a logger tagged with the given component identifier,
// sharing the same output/format configuration and metrics-enablement state.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// logEvent renders one log line and, when the metrics layer is live,
// mirrors it as a gateway.operations counter.
func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	var baggage map[string]string
	if ctx != nil && p.metricsEnabled {
		baggage = getContextBaggage(ctx)
	}

	if p.format == "json" {
		p.writeJSON(level, msg, fields, baggage)
	} else {
		p.writeText(level, msg, fields, baggage)
	}

	if p.metricsEnabled {
		p.emitGatewayMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) writeJSON(level, msg string, fields map[string]interface{}, baggage map[string]string) {
	entry := make(map[string]interface{}, len(fields)+len(baggage)+5)
	entry["timestamp"] = time.Now().Format(time.RFC3339)
	entry["level"] = level
	entry["service"] = p.serviceName
	entry["component"] = p.component
	entry["message"] = msg
	for k, v := range baggage {
		entry["trace."+k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(p.output, string(data))
	}
}

func (p *ProductionLogger) writeText(level, msg string, fields map[string]interface{}, baggage map[string]string) {
	var b strings.Builder
	b.WriteString(time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, " [%s] [%s/%s] ", level, p.serviceName, p.component)
	if req := baggage["request_id"]; req != "" {
		fmt.Fprintf(&b, "[req=%s] ", req)
	}
	b.WriteString(msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(p.output, b.String())
}

// emitGatewayMetric mirrors a log event into the metrics pipeline. Only
// a fixed allowlist of fields becomes labels; anything free-form (error
// strings, command ids) would blow up series cardinality.
func (p *ProductionLogger) emitGatewayMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "device_id", "tenant_id":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "gateway.operations", 1.0, labels...)
	} else {
		emitMetric("gateway.operations", 1.0, labels...)
	}
}

// Helper functions for weak coupling to telemetry
func emitMetric(name string, value float64, labels ...string) {
	if reg := GetGlobalMetricsRegistry(); reg != nil {
		reg.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if reg := GetGlobalMetricsRegistry(); reg != nil {
		reg.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if reg := GetGlobalMetricsRegistry(); reg != nil {
		return reg.GetBaggage(ctx)
	}
	return nil
}
