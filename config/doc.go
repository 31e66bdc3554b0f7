// Package config provides TraceLens configuration loading with YAML file
// support and environment variable overrides (prefix TRACELENS).
package config
