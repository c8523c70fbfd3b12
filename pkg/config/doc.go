// Package config loads the YAML server configuration. Every tunable has
// a default, so an empty or missing file yields a runnable setup;
// durations are written as Go duration strings ("90s", "24h").
package config
