// Package wire implements the self-delimiting, binary-safe envelopes the
// specification requires for TaskSpec transmission and for the scatter/
// gather (key, value) wire protocol between Workers.
package wire

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mpHandle = &codec.MsgpackHandle{}

// TaskSpec is the immutable per-job specification transmitted once at
// Worker initialization. It carries arbitrary octets in Env values, so it
// is encoded with msgpack rather than a text format: msgpack is
// self-delimiting and byte-safe, satisfying spec.md's envelope
// requirement without custom byte-stuffing.
type TaskSpec struct {
	Env      map[string]string `codec:"env"`
	Program  string            `codec:"fn"`
	Cwd      string            `codec:"cwd"`
	Argv     []string          `codec:"argv"`
	NItems   int               `codec:"nitems"`
	NKernels int               `codec:"nkernels"`
	NLocals  int               `codec:"nlocals"`
}

// Marshal encodes a TaskSpec into its wire envelope.
func (t TaskSpec) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalTaskSpec decodes a TaskSpec envelope produced by Marshal.
func UnmarshalTaskSpec(b []byte) (TaskSpec, error) {
	var t TaskSpec
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&t); err != nil {
		return TaskSpec{}, err
	}
	return t, nil
}

// MarshalValue encodes an arbitrary Go value with the same msgpack handle
// used for TaskSpec, so kernel chains, item blobs, and pickled keys/values
// all share one codec across the wire.
func MarshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes a value encoded by MarshalValue into out (a
// pointer).
func UnmarshalValue(b []byte, out any) error {
	dec := codec.NewDecoderBytes(b, mpHandle)
	return dec.Decode(out)
}
