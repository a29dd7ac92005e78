// Package config loads the agent hub runtime configuration from a YAML file,
// fills in defaults and lets AGENTHUB_* environment variables override the
// most commonly tuned values.
package config
