// Package config provides configuration types for the toolgate gateway.
//
// Configuration is YAML-first with environment-variable overrides: a single
// top-level struct bound by viper, validated with go-playground/validator
// tags plus a handful of cross-field checks that tags can't express
// (duplicate backend names, a token's role must be one the control plane
// understands).
package config

// Config is the top-level configuration for the gateway process. A single
// process serves every component; in a larger deployment the edge, control
// plane, and bundle builder can be split across processes by running
// separate binaries against the same sqlite-backed Policy Store, but that
// split is left to the operator.
type Config struct {
	// Edge configures the agent-facing listener: POST/GET/DELETE /mcp,
	// GET /health, and the OAuth discovery passthrough endpoints.
	Edge EdgeConfig `yaml:"edge" mapstructure:"edge"`

	// ControlPlane configures the admin-facing listener: the Policy Store
	// and Service Governance admin APIs.
	ControlPlane ControlPlaneConfig `yaml:"control_plane" mapstructure:"control_plane"`

	// OIDC configures the identity provider whose JWTs the edge decodes
	// (signature already verified upstream of this gateway).
	OIDC OIDCConfig `yaml:"oidc" mapstructure:"oidc"`

	// Backends lists the upstream MCP servers the aggregator fans out to,
	// keyed by service name.
	Backends []BackendConfig `yaml:"backends" mapstructure:"backends" validate:"omitempty,dive"`

	// Governance configures where the Decision Engine reaches Service
	// Governance for gated tools.
	Governance GovernanceConfig `yaml:"governance" mapstructure:"governance"`

	// StatePath is the sqlite database file backing the Policy Store.
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// LogLevel sets the minimum slog level. One of debug/info/warn/error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode relaxes bootstrap requirements (e.g. seeds a permissive
	// default token set) for local iteration; never set this in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// EdgeConfig configures the agent-facing HTTP listener.
type EdgeConfig struct {
	// ListenAddr is the address the edge listens on, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
	// MaxRequestBodyBytes bounds the JSON-RPC request body size.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes" mapstructure:"max_request_body_bytes" validate:"omitempty,min=1"`
	// ToolCallTimeout bounds a single tools/call fan-out to a backend.
	ToolCallTimeout string `yaml:"tool_call_timeout" mapstructure:"tool_call_timeout" validate:"omitempty"`
	// InitializeTimeout bounds the initialize fan-out to every backend.
	InitializeTimeout string `yaml:"initialize_timeout" mapstructure:"initialize_timeout" validate:"omitempty"`
	// SSEKeepAlive is the interval between keepalive comments on GET /mcp.
	SSEKeepAlive string `yaml:"sse_keepalive" mapstructure:"sse_keepalive" validate:"omitempty"`
}

// ControlPlaneConfig configures the admin-facing HTTP listener.
type ControlPlaneConfig struct {
	// ListenAddr is the address the control plane listens on.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
	// Tokens are the bearer tokens accepted by the control plane, each
	// bound to a capability (admin or gateway).
	Tokens []TokenConfig `yaml:"tokens" mapstructure:"tokens" validate:"omitempty,dive"`
}

// TokenCapability is the control-plane role a token is bound to.
type TokenCapability string

const (
	CapabilityAdmin   TokenCapability = "admin"
	CapabilityGateway TokenCapability = "gateway"
)

// TokenConfig defines one control-plane bearer token.
type TokenConfig struct {
	// Name is a human-readable label (e.g. "provisioning-script").
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Hash is the Argon2id PHC-format hash of the raw token
	// (HashToken in this package produces this).
	Hash string `yaml:"hash" mapstructure:"hash" validate:"required,startswith=$argon2id$"`
	// Capability is which control-plane operations this token may call.
	Capability TokenCapability `yaml:"capability" mapstructure:"capability" validate:"required,oneof=admin gateway"`
}

// OIDCConfig configures the external identity provider.
type OIDCConfig struct {
	// IssuerURL is the OIDC issuer whose discovery documents are proxied
	// verbatim at /.well-known/oauth-authorization-server.
	IssuerURL string `yaml:"issuer_url" mapstructure:"issuer_url" validate:"omitempty,url"`
	// ProtectedResourceURL is advertised in the 401 WWW-Authenticate
	// header's resource_metadata parameter.
	ProtectedResourceURL string `yaml:"protected_resource_url" mapstructure:"protected_resource_url" validate:"omitempty,url"`
}

// BackendConfig is one upstream MCP server the aggregator fans out to.
type BackendConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	URL  string `yaml:"url" mapstructure:"url" validate:"required,url"`
}

// GovernanceConfig configures the gated-tool evaluation path.
type GovernanceConfig struct {
	// EvaluatorURL is the base URL of the out-of-process Service
	// Governance evaluator the Decision Engine calls for gated tools, and
	// the value published in every bundle snapshot.
	EvaluatorURL string `yaml:"evaluator_url" mapstructure:"evaluator_url" validate:"omitempty,url"`
	// EvaluatorToken is the gateway-role bearer token presented to the
	// out-of-process evaluator. Required whenever EvaluatorURL is set and
	// the evaluator enforces control-plane authentication.
	EvaluatorToken string `yaml:"evaluator_token" mapstructure:"evaluator_token"`
	// RetentionTTL bounds how long resolved (approved/denied, consumed or
	// not) pending requests are kept before GC (see DESIGN.md: bounded
	// retention, not indefinite).
	RetentionTTL string `yaml:"retention_ttl" mapstructure:"retention_ttl" validate:"omitempty"`
	// GCInterval is how often the retention sweep runs.
	GCInterval string `yaml:"gc_interval" mapstructure:"gc_interval" validate:"omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills in sensible defaults for fields left empty. Called once
// after Unmarshal, before Validate.
func (c *Config) SetDefaults() {
	if c.Edge.ListenAddr == "" {
		c.Edge.ListenAddr = ":8080"
	}
	if c.Edge.MaxRequestBodyBytes == 0 {
		c.Edge.MaxRequestBodyBytes = 1 << 20
	}
	if c.Edge.ToolCallTimeout == "" {
		c.Edge.ToolCallTimeout = "30s"
	}
	if c.Edge.InitializeTimeout == "" {
		c.Edge.InitializeTimeout = "10s"
	}
	if c.Edge.SSEKeepAlive == "" {
		c.Edge.SSEKeepAlive = "30s"
	}
	if c.ControlPlane.ListenAddr == "" {
		c.ControlPlane.ListenAddr = ":8081"
	}
	if c.StatePath == "" {
		c.StatePath = "./toolgate-state.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Governance.RetentionTTL == "" {
		c.Governance.RetentionTTL = "1h"
	}
	if c.Governance.GCInterval == "" {
		c.Governance.GCInterval = "10m"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

// SetDevDefaults seeds a single permissive admin+gateway token pair so
// DevMode can run without a pre-provisioned token file. The raw tokens are
// logged once at startup; never use DevMode in production.
func (c *Config) SetDevDefaults() (adminToken, gatewayToken string) {
	if !c.DevMode {
		return "", ""
	}
	if len(c.ControlPlane.Tokens) > 0 {
		return "", ""
	}
	adminToken = "dev-admin-token"
	gatewayToken = "dev-gateway-token"
	adminHash, _ := HashToken(adminToken)
	gatewayHash, _ := HashToken(gatewayToken)
	c.ControlPlane.Tokens = []TokenConfig{
		{Name: "dev-admin", Hash: adminHash, Capability: CapabilityAdmin},
		{Name: "dev-gateway", Hash: gatewayHash, Capability: CapabilityGateway},
	}
	return adminToken, gatewayToken
}

// BackendMap converts the configured backend list to the service->URL map
// the aggregator service expects.
func (c *Config) BackendMap() map[string]string {
	out := make(map[string]string, len(c.Backends))
	for _, b := range c.Backends {
		out[b.Name] = b.URL
	}
	return out
}
