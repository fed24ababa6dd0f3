// Package config handles configuration loading for coven-agentd.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The --config flag
//  2. Path from the COVEN_AGENTD_CONFIG environment variable
//  3. ./agentd.yaml
//
// Files ending in .toml are decoded as TOML; everything else as YAML. Both
// accept the same keys.
//
// # Environment Variable Expansion
//
//	controller:
//	  jwt_secret: "${COVEN_AGENTD_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	agent:
//	  id: "build-box"          # defaults to the hostname
//	  drain_timeout: "30s"
//
//	controller:
//	  url: "grpc://controller:50051"   # or ws:// / wss:// for websocket
//	  transport: "grpc"                # inferred from url when empty
//	  ssh_key: "~/.ssh/id_ed25519"     # one of ssh_key, jwt_secret, token
//	  jwt_secret: "${COVEN_AGENTD_SECRET}"
//	  token_ttl: "1h"
//	  reconnect_interval: "5s"
//	  reconnect_burst: 3
//
//	messaging:
//	  resend_timeout: "5s"
//	  resend_threshold: 5
//	  expiry_grace: "1h"
//	  nack_linger: "60s"
//	  ack_cleanup_timeout: "60s"
//	  request_timeout: "5s"
//	  max_at_once: 0            # 0 = unlimited
//
//	workers:
//	  count: 4
//	  queue_size: 64
//	  job_retention: "1h"
//
//	database:
//	  path: "/var/lib/coven/agentd.db"
//
//	scripts:
//	  dir: "/opt/coven/scripts"
//
//	commands:
//	  backup:
//	    plugin: run_script
//	    script: backup.sh
//	    long_running: true
//	    env: {TARGET: s3}
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Messaging timers left unset fall back to the protocol defaults.
package config
