// Package protocol implements the DFX WebSocket frame format and the typed request messages.
// It handles the fixed-prefix request/response envelopes, response classification,
// and the binary and JSON encodings of add-data and subscribe-results requests.
package protocol
