// Package config provides configuration loading and validation for the DFX measurement client.
// It reads a YAML file over built-in defaults and validates every section before use.
package config
