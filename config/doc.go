// Package config loads and validates the stagehand runtime
// configuration from defaults, a YAML file, and STAGEHAND_* environment
// variables, in that order of precedence. It also provides a file
// watcher and a hot-reload manager so long-running processes can pick
// up tuning changes without a restart.
package config
