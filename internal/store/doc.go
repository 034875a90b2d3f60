// Package store persists (course, account) registration statuses and the
// append-only audit log.
//
// The status store is the single source of truth for pair states and
// supports compare-and-set updates so a concurrently-firing registration
// attempt and an administrative exclusion can never silently overwrite
// each other.
package store
