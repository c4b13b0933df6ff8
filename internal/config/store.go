package config

import "errors"

var (
	// ErrNotFound is returned when a service has no configuration entry.
	ErrNotFound = errors.New("service config not found")
	// ErrConflict is returned when a save could not be applied within the
	// optimistic-concurrency retry budget.
	ErrConflict = errors.New("config store conflict")
)

// saveRetryLimit bounds how many times a save is re-merged and re-applied
// after the backing store reports a version conflict.
const saveRetryLimit = 10

// Store is a versioned per-service property store. Save merges a patch into
// the current properties atomically; implementations retry on version
// conflicts up to saveRetryLimit before failing with ErrConflict.
type Store interface {
	// Keys returns the known service names in a stable order.
	Keys() []string
	// Get returns the config for a service, or ErrNotFound.
	Get(service string) (*DbConfig, error)
	// Save merges patch into the service's properties and persists them.
	Save(service string, patch map[string]any) error
}
