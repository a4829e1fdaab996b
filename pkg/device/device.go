// Package device provides device-fingerprint rows shared by sessions.
// A fingerprint row is created at most once per client device UUID and its
// descriptive fields follow a fill-once policy: a field is written only
// while it is still unset and is immutable afterwards. Sessions reference
// fingerprints by key but never own or delete them.
package device

import "context"

// Device is one fingerprint row. Empty strings mean the field has not
// been reported yet.
type Device struct {
	Key     int64
	OS      string
	Engine  string
	Browser string
}

// Repository defines fingerprint persistence.
type Repository interface {
	// FindOrCreate returns the fingerprint row for key, creating it if it
	// does not exist. Concurrent calls for the same key are safe and
	// yield the same row.
	FindOrCreate(ctx context.Context, key int64) (*Device, error)

	// FillMissing fills any still-unset descriptive field from the given
	// non-empty values. Fields that already hold a value are never
	// overwritten, and nothing is persisted when no field changes.
	FillMissing(ctx context.Context, key int64, os, engine, browser string) error
}
