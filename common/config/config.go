package config

import (
	"strings"
	"time"

	"github.com/lmbridge/lmbridge/common/env"
)

var (
	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// ConfigPath locates the hot-reloaded JSONC settings file.
	ConfigPath = env.String("CONFIG_PATH", "config.jsonc")
	// EndpointMapPath locates the model to session-binding map.
	EndpointMapPath = env.String("MODEL_ENDPOINT_MAP_PATH", "model_endpoint_map.json")
	// ModelsPath locates the fallback model map used when the endpoint map is empty.
	ModelsPath = env.String("MODELS_PATH", "models.json")

	// MaxInlineImageSizeMB limits the size (MB) of images that can be inlined as base64 to prevent oversized payloads from overwhelming upstream providers.
	MaxInlineImageSizeMB = env.Int("MAX_INLINE_IMAGE_SIZE_MB", 30)

	// TabCapacity is the advisory number of concurrent requests a single browser tab can carry, matching the browser's per-origin HTTP/1.1 concurrency.
	TabCapacity = env.Int("TAB_CAPACITY", 6)
	// TabSelectTimeout bounds a single tab selection; exceeding it surfaces a deadlock as 503 instead of hanging the request.
	TabSelectTimeout = time.Second * time.Duration(env.Int("TAB_SELECT_TIMEOUT", 5))

	// VerificationCooldown is the window during which tab-path admissions are rejected after a human-verification challenge.
	VerificationCooldown = time.Second * time.Duration(env.Int("VERIFICATION_COOLDOWN", 25))
	// VerificationDisplaySkew is subtracted from the client-visible remaining cooldown seconds.
	VerificationDisplaySkew = time.Second * time.Duration(env.Int("VERIFICATION_DISPLAY_SKEW", 3))

	// StreamDrainWindow is how long the parser keeps draining frames after [DONE] to absorb trailing tokens.
	StreamDrainWindow = time.Millisecond * time.Duration(env.Int("STREAM_DRAIN_WINDOW_MS", 200))
	// ChannelGraceDelay delays response-channel removal after a normal terminal event so late frames are absorbed instead of logged as orphans.
	ChannelGraceDelay = time.Second * time.Duration(env.Int("CHANNEL_GRACE_DELAY", 1))

	// WebSocketSendTimeout bounds a single envelope write to a tab socket.
	WebSocketSendTimeout = time.Second * time.Duration(env.Int("WS_SEND_TIMEOUT", 10))
	// TabHandshakeTimeout bounds the wait for the first tab_id frame of a new tab connection.
	TabHandshakeTimeout = time.Second * time.Duration(env.Int("TAB_HANDSHAKE_TIMEOUT", 3))

	// SweepInterval is the cadence of the stale-request sweeper.
	SweepInterval = time.Second * time.Duration(env.Int("SWEEP_INTERVAL", 60))
	// StaleRequestTimeout is the age past which an active request is force-terminated by the sweeper.
	StaleRequestTimeout = time.Second * time.Duration(env.Int("STALE_REQUEST_TIMEOUT", 600))

	// DirectUpstreamTimeout bounds a single direct-upstream HTTP call.
	DirectUpstreamTimeout = time.Second * time.Duration(env.Int("DIRECT_UPSTREAM_TIMEOUT", 1200))
	// DirectFirstChunkTimeout bounds the wait for the first upstream chunk in passthrough mode before returning 502.
	DirectFirstChunkTimeout = time.Second * time.Duration(env.Int("DIRECT_FIRST_CHUNK_TIMEOUT", 180))

	// UserContentRequestTimeout limits fetch time (seconds) for user-supplied assets like remote images.
	UserContentRequestTimeout = env.Int("USER_CONTENT_REQUEST_TIMEOUT", 30)

	// RequestDetailsLimit caps the in-memory LRU of resolved request fingerprints kept for post-hoc inspection.
	RequestDetailsLimit = env.Int("REQUEST_DETAILS_LIMIT", 10000)

	// EnablePrometheusMetrics exposes the /metrics endpoint for Prometheus scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// SQLDSN provides the request-log database DSN; empty indicates that SQLite should be used.
	SQLDSN = strings.TrimSpace(env.String("SQL_DSN", ""))
	// SQLitePath specifies the SQLite request-log file path when SQL_DSN is absent.
	SQLitePath = env.String("SQLITE_PATH", "logs/requests.db")
	// SQLiteBusyTimeout configures SQLite busy timeout in milliseconds to mitigate locking errors.
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)
	// SQLMaxIdleConns controls the request-log database pool's idle connection count.
	SQLMaxIdleConns = env.Int("SQL_MAX_IDLE_CONNS", 10)
	// SQLMaxOpenConns controls the request-log database pool's maximum open connections.
	SQLMaxOpenConns = env.Int("SQL_MAX_OPEN_CONNS", 100)
	// SQLMaxLifetimeSeconds sets how long database connections live before being recycled (seconds).
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 300)

	// OnlyOneLogFile merges all rotated logs into a single file when true.
	OnlyOneLogFile = env.Bool("ONLY_ONE_LOG_FILE", false)

	// LogPushAPI defines the webhook endpoint for escalated log alerts.
	LogPushAPI = env.String("LOG_PUSH_API", "")
	// LogPushType labels outbound log alerts so downstream processors can route them.
	LogPushType = env.String("LOG_PUSH_TYPE", "")
	// LogPushToken authenticates outbound log alert requests.
	LogPushToken = env.String("LOG_PUSH_TOKEN", "")
)
