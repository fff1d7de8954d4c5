package domain

const (
	DefaultListenAddress              = "0.0.0.0:8080"
	DefaultMCPPath                    = "/mcp"
	DefaultWSPath                     = "/ws"
	DefaultCatalogCacheEnabled        = true
	DefaultCatalogCacheTTLSeconds     = 300
	DefaultCatalogFetchTimeoutSeconds = 30
	DefaultCatalogToolsPath           = "/mcp-tools.json"
	DefaultCatalogMaxBodyBytes        = 4 * 1024 * 1024
	DefaultCatalogStore               = CatalogStoreMemory
	DefaultCatalogBoltPath            = "webinteract-catalog.db"
	DefaultRedisAddress               = "127.0.0.1:6379"
	DefaultCallTimeoutSeconds         = 300
	DefaultSessionSendQueueSize       = 64
	DefaultSessionWriteTimeoutSeconds = 10
	DefaultSessionPongWaitSeconds     = 60
	DefaultSessionMaxMessageBytes     = 1024 * 1024
	DefaultObservabilityListenAddress = "0.0.0.0:9090"
	DefaultReloadDebounceMillis       = 250
	DefaultMetricsRefreshSeconds      = 5
	DefaultShutdownTimeoutSeconds     = 10
)

const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAgeDays = 28
)

const (
	CatalogStoreMemory = "memory"
	CatalogStoreBolt   = "bolt"
	CatalogStoreRedis  = "redis"
)

// CatalogRedisExpiryFactor multiplies the cache TTL into the Redis key expiry.
const CatalogRedisExpiryFactor = 2

const (
	SessionIDHeader     = "X-WebInteract-Session"
	SessionIDQueryParam = "sessionId"
	// OriginQueryParam names the origin whose catalog a connecting client
	// uses. The Origin header is used when it is absent.
	OriginQueryParam = "origin"
)

const (
	DefaultSessionFramesPerSecond = 50
	DefaultSessionFrameBurst      = 100
)
