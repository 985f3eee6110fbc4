package worker

import (
	"encoding/binary"

	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/wire"
)

// feederKernel is stage -1's fixed wrapper, per spec.md §4.3: it reads the
// single items blob Worker.Initialize deposited in buffer[-1] and emits
// (index, item) pairs so stage 0 can distribute them across the worker
// pool. encodeIndex gives every item a distinct, stably-hashable key.
type feederKernel struct{}

func (feederKernel) Invoke(_ []byte, values kernel.ValueIter, emit kernel.Emit) error {
	v, ok := values.Next()
	if !ok {
		return nil
	}
	var items [][]byte
	if err := wire.UnmarshalValue(v, &items); err != nil {
		return err
	}
	for i, item := range items {
		emit(encodeIndex(i), item)
	}
	return nil
}

func encodeIndex(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return b[:]
}

// collectorKernel is stage N's fixed wrapper: it has nothing to emit
// downstream, so its Invoke simply forwards every value it sees to emit,
// and runStageLoop binds emit to a resultSink instead of an OutputBuffer
// for this one stage (spec.md §4.3).
type collectorKernel struct{}

func (collectorKernel) Invoke(key []byte, values kernel.ValueIter, emit kernel.Emit) error {
	for {
		v, ok := values.Next()
		if !ok {
			return nil
		}
		emit(key, v)
	}
}

// stripKeyKernel wraps stage 0's user kernel so it never sees the feeder's
// synthetic index key, per spec.md §4.3: "Stage 0's user kernel is wrapped
// to strip the key before delivery."
type stripKeyKernel struct {
	inner kernel.Kernel
}

func (k stripKeyKernel) Invoke(_ []byte, values kernel.ValueIter, emit kernel.Emit) error {
	return k.inner.Invoke(nil, values, emit)
}

// rekeyZeroKernel wraps stage N-1's user kernel so every value it emits is
// re-keyed to the constant 0, funneling all output to the single collector
// Worker (spec.md §4.3). The user kernel's own (key, value) pair would
// otherwise be lost in that funnel — both travel downstream as a single
// wire-encoded pair so the result stream can still report the key the
// last user kernel actually emitted.
type rekeyZeroKernel struct {
	inner kernel.Kernel
}

var zeroKey = encodeIndex(0)

func (k rekeyZeroKernel) Invoke(key []byte, values kernel.ValueIter, emit kernel.Emit) error {
	return k.inner.Invoke(key, values, func(emittedKey, emittedValue []byte) {
		packed, err := wire.MarshalValue(kvPair{Key: emittedKey, Value: emittedValue})
		if err != nil {
			return
		}
		emit(zeroKey, packed)
	})
}

// kvPair is the wire encoding rekeyZeroKernel packs a user kernel's
// (key, value) emission into, since the funnel to a single collector
// Worker discards the original key as its routing key. UnpackResult
// reverses this on the client side.
type kvPair struct {
	Key   []byte `codec:"k"`
	Value []byte `codec:"v"`
}

// UnpackResult decodes a result stream value produced by the last user
// kernel through rekeyZeroKernel back into its original (key, value).
// Every kernel chain's final stage goes through rekeyZeroKernel,
// including single-kernel chains, so every result stream value is packed
// this way.
func UnpackResult(v []byte) (key, value []byte, err error) {
	var p kvPair
	if err := wire.UnmarshalValue(v, &p); err != nil {
		return nil, nil, err
	}
	return p.Key, p.Value, nil
}
