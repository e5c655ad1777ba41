// Package transport moves chunks and results between the client and the DFX API.
// Chunks are uploaded either with REST calls or over the binary WebSocket
// connection; results always arrive over the WebSocket connection, which is
// dialled lazily and shared by both paths.
package transport
