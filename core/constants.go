package core

import "time"

// Environment variables recognized by the gateway's configuration loader.
const (
	EnvRedisURL          = "REDIS_URL"           // broker connection URL
	EnvNamespace         = "NAMESPACE"           // key namespace / multi-tenant isolation prefix
	EnvPort              = "PORT"                // HTTP server port
	EnvDevMode           = "DEV_MODE"            // development mode flag
	EnvInternalAuthToken = "INTERNAL_AUTH_TOKEN" // constant-time-compared token for internal metrics
	EnvJWTPublicKey      = "JWT_PUBLIC_KEY"      // customer/web-portal JWT verification key
	EnvCatalogDSN        = "CATALOG_DSN"         // Postgres connection string for the catalog store
)

// Broker and catalog-store timeouts.
const (
	BrokerConnectTimeout = 5 * time.Second
	BrokerCommandTimeout = 5 * time.Second
)

// HTTP server timeouts, chosen to be shorter than a typical upstream load
// balancer's 60s idle timeout so the gateway never holds a connection the
// balancer has already reclaimed.
const (
	HTTPRequestTimeout   = 50 * time.Second
	HTTPHeadersTimeout   = 56 * time.Second
	HTTPKeepAliveTimeout = 55 * time.Second
)

// Approval, lease, and heartbeat defaults shared across connmgr, queue, and hitl.
const (
	ApprovalDefaultTimeout = 300 * time.Second
	CommandLeaseDefault    = 300 * time.Second
	CommandLeaseMax        = 3600 * time.Second
	HeartbeatInterval      = 30 * time.Second
	HeartbeatTimeout       = 90 * time.Second // three missed beats
	DeviceSessionTTL       = 7 * 24 * time.Hour
	HITLSessionTTL         = 2 * time.Hour
	HITLSweepCadence       = 30 * time.Minute
	ReaperCadence          = 10 * time.Second
)
