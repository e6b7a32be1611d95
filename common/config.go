package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Session Tracking Related Config

// SessionConfig defines session lifecycle policy parameters
type SessionConfig struct {
	// HeartbeatTimeout max seconds between heartbeats before a session is
	// considered unresponsive
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gte=1"`
	// ActivityTimeout max seconds without any activity signal before a session
	// is considered abandoned
	ActivityTimeout int `mapstructure:"activity_timeout_sec" json:"activity_timeout_sec" validate:"gte=1"`
	// SweepInterval seconds between expiry sweep passes
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// RetentionDays days terminal sessions are kept before being purged
	RetentionDays int `mapstructure:"retention_days" json:"retention_days" validate:"gte=1"`
	// PurgeInterval seconds between retention purge passes
	PurgeInterval int `mapstructure:"purge_interval_sec" json:"purge_interval_sec" validate:"gte=1"`
	// TaskQueueLen buffer length of the session manager event loop
	TaskQueueLen int `mapstructure:"task_queue_len" json:"task_queue_len" validate:"gte=1"`
}

// ReplayConfig defines missed-event replay parameters
type ReplayConfig struct {
	// WindowHours replay window for reps without a presence cursor
	WindowHours int `mapstructure:"window_hours" json:"window_hours" validate:"gte=1"`
	// MaxEvents cap on the number of events replayed in one batch
	MaxEvents int `mapstructure:"max_events" json:"max_events" validate:"gte=1"`
}

// AuthConfig defines identity verification parameters
type AuthConfig struct {
	// SigningSecret is the HMAC secret used to verify client credentials
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required"`
	// Issuer is the expected credential issuer. Not checked when empty.
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// ResolveTimeout max seconds for one identity resolution
	ResolveTimeout int `mapstructure:"resolve_timeout_sec" json:"resolve_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Storage Related Config

// PostgresConfig defines parameters for connecting to PostgreSQL
type PostgresConfig struct {
	// URI is the PostgreSQL connection URI
	URI string `mapstructure:"uri" json:"-" validate:"required"`
	// ConnectTimeout max seconds for establishing the connection pool
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// MaxConns max connections in the pool
	MaxConns int `mapstructure:"max_conns" json:"max_conns" validate:"gte=1"`
}

// StoreConfig defines which session / event store backend is used
type StoreConfig struct {
	// Backend selects the store implementation.
	//
	// "memory" is valid only for a single-instance deployment.
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory postgres"`
	// Postgres are the PostgreSQL connection parameters. Required when
	// the backend is "postgres".
	Postgres *PostgresConfig `mapstructure:"postgres,omitempty" json:"postgres,omitempty" validate:"omitempty"`
	// KnownReps seeds the rep directory when the backend is "memory"
	KnownReps []string `mapstructure:"known_reps" json:"known_reps"`
	// CallTimeout max seconds for one store operation
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Gateway Related Config

// GatewayConfig defines per-connection transport parameters
type GatewayConfig struct {
	// SendQueueLen buffer length of the per-connection outbound queue
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// WriteTimeout max seconds for one outbound transport write
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval seconds between transport level keepalive pings
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// MaxMessageBytes cap on one inbound message
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// RelayConfig defines the optional cross-instance broadcast relay
type RelayConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// SubjectPrefix is the NATS subject prefix for relayed broadcasts
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required"`
	// Session are the session lifecycle policy configs
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required"`
	// Replay are the missed-event replay configs
	Replay ReplayConfig `mapstructure:"replay" json:"replay" validate:"required"`
	// Auth are the identity verification configs
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Store are the storage backend configs
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required"`
	// Gateway are the per-connection transport configs
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required"`
	// Relay are the optional cross-instance broadcast relay configs
	Relay *RelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Presencehub-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default session lifecycle settings
	viper.SetDefault("session.heartbeat_timeout_sec", 300)
	viper.SetDefault("session.activity_timeout_sec", 1800)
	viper.SetDefault("session.sweep_interval_sec", 300)
	viper.SetDefault("session.retention_days", 30)
	viper.SetDefault("session.purge_interval_sec", 86400)
	viper.SetDefault("session.task_queue_len", 64)

	// Default replay settings
	viper.SetDefault("replay.window_hours", 24)
	viper.SetDefault("replay.max_events", 100)

	// Default auth settings
	viper.SetDefault("auth.resolve_timeout_sec", 5)

	// Default store settings
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.call_timeout_sec", 5)

	// Default gateway settings
	viper.SetDefault("gateway.send_queue_len", 64)
	viper.SetDefault("gateway.write_timeout_sec", 10)
	viper.SetDefault("gateway.ping_interval_sec", 30)
	viper.SetDefault("gateway.max_message_bytes", 65536)
}
