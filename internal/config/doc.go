// Package config handles configuration loading for codebolt-router.
//
// # Configuration File
//
// Lookup order:
//
//  1. The path given on the command line (-config)
//  2. Path from the CODEBOLT_ROUTER_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/codebolt-router/config.yaml (or ~/.config/...)
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables before parsing:
//
//	auth:
//	  jwt_secret: "${CODEBOLT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "5m"). A zero
// approvals.timeout disables approval expiry.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:7070"
//	  grpc_addr: "127.0.0.1:7071"
//	database:
//	  path: "~/.local/share/codebolt-router/audit.db"
//	agents:
//	  ready_timeout: "30s"
//	  commands:
//	    marketplace:
//	      path: "codebolt-agent"
//	      args: ["--agent", "{detail}"]
//	approvals:
//	  timeout: "5m"
//	remote:
//	  kind: "nats"
//	  url: "nats://127.0.0.1:4222"
package config
