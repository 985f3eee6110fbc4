// Package kernel defines the Kernel capability contract the design notes
// call for: kernels are arbitrary callables delivered as opaque serialized
// bytes, so a re-implementation needs a loader that turns those bytes into
// an object answering one method, plus a registry keyed by a kernel-kind
// tag. This is the only contract the core requires of the out-of-scope
// numerical user-defined kernels (spec.md §1).
package kernel

import (
	"fmt"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

// KV is one (key, value) pair flowing between stages. Key is any hashable
// opaque value (carried here as its canonical encoding); Value is an
// opaque byte blob that only kernels interpret.
type KV struct {
	Key   []byte
	Value []byte
}

// ValueIter streams the values arriving for a single key at the current
// stage. It blocks when no more values are currently available but more
// may still arrive, exactly mirroring the Gatherer buffer's value
// iterator semantics in spec.md §3.
type ValueIter interface {
	// Next returns the next value, or ok=false once the key's chain is
	// exhausted and all_received is true for this stage.
	Next() (value []byte, ok bool)
}

// Emit is how a kernel invocation produces output (key, value) pairs. It
// is called zero or more times per invocation; order among calls from one
// invocation is preserved downstream (spec.md §5 "per-channel ordering").
type Emit func(key, value []byte)

// Kernel is the capability every pipeline stage's user code implements:
// consume one key and its value stream, produce a lazy sequence of
// (key, value) pairs via emit.
type Kernel interface {
	Invoke(key []byte, values ValueIter, emit Emit) error
}

// Kind tags a serialized kernel so a Registry can reconstruct it without
// out-of-band type information, replacing the original runtime's use of
// Python's dynamic unpickling for arbitrary callables.
type Kind uint8

// Loader turns a kernel's opaque serialized payload into an invocable
// Kernel.
type Loader func(payload []byte) (Kernel, error)

// Registry resolves a Kind to its Loader. The client and every Worker in a
// job must share an identical registry so a kernel chain serialized once
// by the client can be reconstructed identically everywhere, per spec.md
// §3 "Kernel chain".
type Registry struct {
	loaders map[Kind]Loader
}

// NewRegistry returns an empty registry; register built-in and
// application kernel kinds with Register before use.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[Kind]Loader)}
}

// Register associates kind with loader. Re-registering a kind overwrites
// the previous loader.
func (r *Registry) Register(kind Kind, loader Loader) {
	r.loaders[kind] = loader
}

// Serialized is the wire representation of one kernel in the chain:
// a kind tag plus whatever opaque payload that Kind's Loader expects.
type Serialized struct {
	Kind    Kind
	Payload []byte
}

// Load reconstructs the Kernel named by s using the registry's loader for
// s.Kind.
func (r *Registry) Load(s Serialized) (Kernel, error) {
	loader, ok := r.loaders[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: kernel kind %d", mrerr.ErrUnknownKey, s.Kind)
	}
	return loader(s.Payload)
}

// LoadChain reconstructs every kernel in chain in order.
func (r *Registry) LoadChain(chain []Serialized) ([]Kernel, error) {
	out := make([]Kernel, len(chain))
	for i, s := range chain {
		k, err := r.Load(s)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		out[i] = k
	}
	return out, nil
}
