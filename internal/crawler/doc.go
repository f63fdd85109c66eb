// Package crawler defines the shared vocabulary of the acquisition pipeline:
// fetch targets, raw documents, normalized units, snapshot records, the
// failure taxonomy, and the small interfaces the subsystems depend on.
package crawler
