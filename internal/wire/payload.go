package wire

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/dreamware/mrpeer/internal/kernel"
)

// JobPayload is the [kernels, locals] ++ serialized(items) blob spec.md §6
// describes as the client submission's data field, and §4.3 as the value
// decoded by Worker.initialize. Locals carries whatever opaque auxiliary
// state the client-side submission module wants every Worker to see
// alongside the kernel chain (spec.md calls this collaborator out of
// scope; it is threaded through here only as an opaque blob).
type JobPayload struct {
	Kernels []kernel.Serialized `codec:"kernels"`
	Locals  []byte              `codec:"locals"`
	Items   []byte              `codec:"items"`
}

// Marshal encodes a JobPayload with the same msgpack handle as TaskSpec.
func (p JobPayload) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJobPayload decodes a payload produced by Marshal.
func UnmarshalJobPayload(b []byte) (JobPayload, error) {
	var p JobPayload
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&p); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}
