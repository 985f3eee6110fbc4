package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceValueIter is a test double for ValueIter backed by a fixed slice,
// standing in for the Gatherer buffer's blocking iterator.
type sliceValueIter struct {
	values [][]byte
	pos    int
}

func (it *sliceValueIter) Next() ([]byte, bool) {
	if it.pos >= len(it.values) {
		return nil, false
	}
	v := it.values[it.pos]
	it.pos++
	return v, true
}

func collect(t *testing.T, k Kernel, key []byte, values [][]byte) []KV {
	t.Helper()
	var out []KV
	it := &sliceValueIter{values: values}
	err := k.Invoke(key, it, func(k, v []byte) {
		out = append(out, KV{Key: k, Value: v})
	})
	require.NoError(t, err)
	return out
}

func TestIdentityKernel(t *testing.T) {
	out := collect(t, identityKernel{}, []byte("k"), [][]byte{[]byte("42")})
	require.Len(t, out, 1)
	assert.Equal(t, []byte("k"), out[0].Key)
	assert.Equal(t, []byte("42"), out[0].Value)
}

func TestSplitWordsKernel(t *testing.T) {
	out := collect(t, splitWordsKernel{}, nil, [][]byte{[]byte("a a b")})
	var words []string
	for _, kv := range out {
		words = append(words, string(kv.Key))
		assert.Equal(t, "1", string(kv.Value))
	}
	assert.Equal(t, []string{"a", "a", "b"}, words)
}

func TestSumValuesKernel(t *testing.T) {
	out := collect(t, sumValuesKernel{}, []byte("a"), [][]byte{[]byte("1"), []byte("1"), []byte("1")})
	require.Len(t, out, 1)
	assert.Equal(t, []byte("a"), out[0].Key)
	assert.Equal(t, "3", string(out[0].Value))
}

func TestEmitKeyMod2Kernel(t *testing.T) {
	out := collect(t, emitKeyMod2Kernel{}, nil, [][]byte{[]byte("4"), []byte("5")})
	require.Len(t, out, 2)
	assert.Equal(t, "0", string(out[0].Key))
	assert.Equal(t, "4", string(out[0].Value))
	assert.Equal(t, "1", string(out[1].Key))
	assert.Equal(t, "5", string(out[1].Value))
}

func TestEmitNothingKernel(t *testing.T) {
	out := collect(t, emitNothingKernel{}, []byte("k"), [][]byte{[]byte("x"), []byte("y")})
	assert.Empty(t, out)
}

func TestRegisterBuiltinsLoadsEveryKind(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, kind := range []Kind{KindIdentity, KindSplitWords, KindSumValues, KindEmitKeyMod2, KindEmitNothing} {
		k, err := r.Load(Serialized{Kind: kind})
		require.NoErrorf(t, err, "kind %d", kind)
		assert.NotNil(t, k)
	}
}

func TestLoadUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Load(Serialized{Kind: Kind(99)})
	assert.Error(t, err)
}
