// Package session tracks DFX measurement sessions for the streaming client.
// It holds the currently active measurement and its remaining chunk budget,
// keeps superseded measurements as history, and provides the signals the
// uploader and subscriber use to agree on which measurement is current.
package session
