// Package buffer implements the Gatherer buffer from spec.md §3: an
// append-only log of (key, pickled-value) pairs backed by a single fixed
// mapping, organized as singly-linked chains indexed by key so that
// multiple readers can iterate a key's values without copying.
package buffer

// region is the minimal allocator contract a Chain needs from its backing
// store. Two implementations exist: an anonymous-mmap region (mmap_unix.go,
// used on POSIX hosts, where the spec's "anonymous memory-mapped region"
// language applies literally) and a plain heap-allocated slice
// (mmap_other.go, selected by build tag on non-unix platforms) — the Open
// Question in spec.md §9 about BUFSIZE's sparse-mapping assumption is
// resolved by keeping the default size small enough (see DefaultSize64
// and DefaultSize32) that either backing is viable.
type region interface {
	bytes() []byte
	release() error
}

// DefaultSize64 and DefaultSize32 resolve the BUFSIZE open question from
// spec.md §9: the original's 200 GiB default assumes sparse-file-backed
// anonymous mappings on a filesystem this implementation cannot assume is
// present. 256 MiB/32 MiB are conservative enough to commit as real
// memory on a small worker while staying well above realistic per-stage,
// per-worker intermediate data volumes for the job sizes this core targets.
const (
	DefaultSize64 = 256 << 20
	DefaultSize32 = 32 << 20
)
