// Package metrics defines the Prometheus instrumentation of the DFX streaming client.
package metrics
