// Package config handles configuration loading for pairroom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (default) or TOML (".toml" extension)
// files with environment variable expansion, duration parsing, defaults
// and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from PAIRROOM_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/pairroom/gateway.yaml
//  4. ~/.config/pairroom/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PAIRROOM_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	execution:
//	  min_interval: "300ms"
//	  base_delay: "1s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	database:
//	  driver: "sqlite"
//	  path: "~/.local/share/pairroom/pairroom.db"
//	rooms:
//	  typing_timeout: "3s"
//	execution:
//	  endpoint: "https://emkc.org/api/v2/piston"
//	  min_interval: "300ms"
//	  max_attempts: 3
//	logging:
//	  level: "info"
//	  format: "text"
package config
