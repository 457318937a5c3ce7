// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are parsed as TOML; anything else is YAML.
// Missing values receive defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	storage:
//	  poll_interval: "250ms"
//	rpc:
//	  timeout: "5s"
//	  peer_timeout: "30s"
//
// An rpc.timeout of zero (the default) lets calls wait until their context ends.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8787"  # HTTP listener for /ws, /health, /ready, metrics
//	  ws_path: "/ws"
//
//	storage:
//	  backend: "sqlite"            # sqlite, sqlite3, leveldb or memory
//	  path: "~/.local/share/coven/relay.db"
//	  ready_area: "local"          # area holding the readiness stamp
//	  options_area: "sync"         # area holding the options record
//
//	auth:
//	  jwt_secret: "..."            # empty disables peer authentication
//	  token_ttl: "24h"
//
//	rpc:
//	  silent_methods: ["ping"]     # never logged by the background server
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	extension:
//	  version: "1.4.0"             # written as the readiness stamp
package config
