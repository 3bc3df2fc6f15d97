// Package config handles configuration loading for netra-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Zero-valued settings receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from NETRA_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/netra/gateway.yaml
//  3. ~/.config/netra/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${NETRA_JWT_SECRET}"
//
// # Environment Classification
//
// The environment key (or the NETRA_ENV variable, which wins) is classified
// as production, staging or development. Unknown or empty values are
// production. The auth bypass path is never available in production.
//
// # Example
//
//	environment: development
//	server:
//	  http_addr: "0.0.0.0:8080"
//	store:
//	  backend: sqlite            # sqlite, memory
//	  path: "/var/lib/netra/registry.db"
//	auth:
//	  jwt_secret: "${NETRA_JWT_SECRET}"
//	  required_permission: realtime
//	  identity_timeout: "3s"
//	  bypass:
//	    enabled: true
//	    user_id: "e2e-user"
//	registry:
//	  session_ttl: "15m"
//	  heartbeat_timeout: "90s"
//	  store_timeout: "2s"
//	  breaker_threshold: 5
//	  breaker_cooldown: "30s"
//	bridge:
//	  max_retries: 2
//	  retry_delay: "50ms"
//	  thinking_rate: 10
//	  thinking_burst: 5
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
