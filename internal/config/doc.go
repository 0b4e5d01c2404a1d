// Package config handles configuration loading for coven-swarm.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion.
// Every value has a built-in default (see Default), so a file only needs to
// carry what differs. The one required value is auth.agent_secret.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SWARM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/swarm.yaml
//  3. ~/.config/coven/swarm.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  agent_secret: "${COVEN_SWARM_AGENT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  auth_timeout: "10s"
//	  heartbeat_interval: "30s"
//	tasks:
//	  timeout: "10m"
//	  retry_base: "1s"
//
// # Sections
//
//   - server: HTTP listen address and the public websocket URL for launched agents
//   - database: SQLite path for task and agent history
//   - auth: agent credential secret, optional operator JWT secret
//   - channel: connection caps, rate limits, frame size, heartbeat timing
//   - agents: registry size, auto-registration, initial pool, launch command
//   - tasks: retry limit, backoff base, timeout, payload cap
//   - health: sweep interval and resource threshold
//   - autoscale: pool bounds, fallback type, idle scale-down
//   - costs: rates for cost and savings estimates
//   - events: optional NATS URL for status events
//   - logging, metrics
package config
