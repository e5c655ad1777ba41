// Package payload turns recordings on disk into chunk sequences ready for
// upload, either one file per chunk or one recording split by duration.
package payload
