// Package fakeapi is an in-memory stand-in for the DFX API.
//
// It serves the REST endpoints used by the client (device registration,
// login, user creation, measurement creation, retrieval and add-data) and the
// binary WebSocket protocol. Every measurement accepts at most its mode's
// duration of chunk data and then answers with MEASUREMENT_CLOSED, which is
// what drives measurement rollover in the client. It is used by tests and by
// cmd/fakeapi for local end-to-end runs.
package fakeapi
