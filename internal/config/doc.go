// Package config handles configuration loading for coven-swarm.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion. Every tunable has a
// default; a file only names what it changes.
//
// # Configuration File
//
// Location, in order:
//
//  1. Path from the COVEN_SWARM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-swarm/config.yaml (~/.config when unset)
//
// When no file exists, Defaults applies.
//
// # Environment Variable Expansion
//
//	provider:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	identity:
//	  replay_window: "5m"
//	transport:
//	  probe_timeout: "2s"
//
// # Sections
//
//   - agent: id, role, capabilities, team of this process
//   - identity: key directory and replay window
//   - transport: host, port range, timeouts, attachment storage
//   - sharedlog: directory holding registry/messages/tasks streams
//   - runtime: context budget, condensation, history snapshots, workspaces
//   - orchestrator: parallelism and task timeouts
//   - provider: completion provider kind, model, credentials
//   - database: SQLite path
//   - logging: level and format (text or json)
package config
