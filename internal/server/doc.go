// Package server implements the optional HTTP status server of the measurement client.
// It exposes health, the current and retired measurements, upload statistics and
// Prometheus metrics while an upload runs.
package server
