// Package directory implements the shared Peer directory described in
// spec.md §6: "A shared filesystem (or equivalent KV registry) path whose
// contents are one file per live Peer." Registration is best-effort: a
// crashed Peer's stale entry is tolerated, and callers are expected to
// drop a peer from their roster the first time an RPC to it fails
// (spec.md §4.1).
package directory

import "errors"

// ErrNotFound reports a lookup that found no entry. None of the backends
// in this package returns it: Deregister of an absent name succeeds.
var ErrNotFound = errors.New("directory: entry not found")

// Directory is the registry contract every backend implements. Entries
// are filename-like keys mapping to a single-line RPC URL, mirroring the
// `<hostname>:<port>.peer` file convention spec.md §6 specifies.
type Directory interface {
	// Register publishes name -> url, overwriting any previous entry for
	// name. Idempotent.
	Register(name, url string) error

	// Deregister removes name's entry, if present. Not required for
	// correctness (stale entries are tolerated) but used for graceful
	// Peer shutdown.
	Deregister(name string) error

	// List returns every registered URL. Order is unspecified.
	List() ([]string, error)

	// Close releases any resources the backend holds open.
	Close() error
}
