// Package api implements the HTTP client for the DFX REST API: device
// registration, user login and creation, measurement creation and result
// retrieval. Requests share a concurrency limit and transient failures are
// retried with exponential backoff.
package api
