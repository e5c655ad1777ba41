// Package measurement streams chunked measurement data to the DFX API and
// collects the results.
//
// A measurement accepts a bounded duration of data before the server closes
// it. The Orchestrator hides this from callers: the Uploader sends chunks one
// at a time, and when the server reports MEASUREMENT_CLOSED the Orchestrator
// waits for the Subscriber to drain the closed measurement's results, opens a
// continuation measurement and resends the rejected chunk. Results of every
// measurement are delivered in order on one bounded queue.
package measurement
