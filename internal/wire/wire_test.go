package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mrpeer/internal/kernel"
)

func TestTaskSpecRoundTrip(t *testing.T) {
	in := TaskSpec{
		Env:      map[string]string{"PATH": "/usr/bin", "HOME": "/root"},
		Program:  "/bin/myprog",
		Cwd:      "/work",
		Argv:     []string{"myprog", "--flag"},
		NItems:   3,
		NKernels: 2,
		NLocals:  0,
	}
	b, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalTaskSpec(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestJobPayloadRoundTrip(t *testing.T) {
	in := JobPayload{
		Kernels: []kernel.Serialized{{Kind: kernel.KindIdentity}, {Kind: kernel.KindSumValues}},
		Locals:  []byte("aux state"),
		Items:   []byte("opaque items blob"),
	}
	b, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalJobPayload(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMarshalValueRoundTrip(t *testing.T) {
	in := []string{"alpha", "beta", "gamma"}
	b, err := MarshalValue(in)
	require.NoError(t, err)

	var out []string
	require.NoError(t, UnmarshalValue(b, &out))
	assert.Equal(t, in, out)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Key: []byte("k"), Value: []byte("v-longer-than-key"), DestStage: 7, Tag: FrameData}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameRoundTripEmptyKeyAndValue(t *testing.T) {
	f := Frame{DestStage: 0, Tag: FrameAckDone}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameAckDone, got.Tag)
	assert.Empty(t, got.Key)
	assert.Empty(t, got.Value)
}

func TestReadFrameRejectsTruncatedInput(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestAckFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf, AckFrame{Stage: 42}))

	got, err := ReadAck(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Stage)
}

func TestHashKeyIsStableAndBounded(t *testing.T) {
	key := []byte("some-routing-key")
	h1 := HashKey(key, 7)
	h2 := HashKey(key, 7)
	assert.Equal(t, h1, h2, "HashKey must be deterministic for the same key and modulus")
	assert.Less(t, h1, uint32(7))
}

func TestHashKeyZeroMaxpeers(t *testing.T) {
	assert.Equal(t, uint32(0), HashKey([]byte("x"), 0))
}
