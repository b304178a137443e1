// Package config handles configuration loading for coven-endpoint.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Empty fields receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_ENDPOINT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/endpoint.yaml
//  3. ~/.config/coven/endpoint.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Listener:
//
//	server:
//	  port: 443                     # TLS port for agents
//	  source: "endpoint"            # source.id on emitted envelopes
//	  http_addr: "127.0.0.1:8443"   # health, metrics, read-only API
//
//	tls:
//	  cert_file: "/etc/coven/endpoint.crt"
//	  key_file: "/etc/coven/endpoint.key"
//	  client_ca_file: ""            # set to require client certificates
//	  min_version: "1.2"
//
// Hub:
//
//	hub:
//	  buffer_size: 256              # per-consumer fan-in buffer
//	  overflow_policy: drop_oldest  # drop_oldest, close
//	  duplicate_policy: reject      # reject, replace
//	  handshake_timeout: "10s"
//	  init_timeout: "30s"
//	  shutdown_timeout: "10s"
//
// Connection ledger (empty path disables it):
//
//	database:
//	  path: "/var/lib/coven/endpoint.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Built-in features:
//
//	features:
//	  ping: {enabled: true}
//	  tap: {enabled: true}
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/endpoint.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
