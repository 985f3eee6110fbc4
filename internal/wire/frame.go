package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

// FrameTag distinguishes a Data record from the AckDone control record on
// the scatter/gather wire, per the design note "Distinguished sentinels as
// keys": rather than overloading the key field with sentinel values
// (AckDone, KeyChain) as the original Python runtime does, the tag is an
// explicit one-byte prefix.
type FrameTag uint8

const (
	// FrameData carries a (key, value) pair destined for DestStage.
	FrameData FrameTag = iota
	// FrameAckDone closes out DestStage on this channel; the receiver
	// replies with a 4-byte AckFrame carrying the same stage number.
	FrameAckDone
)

// Frame is one record of the Scatterer -> Gatherer wire protocol:
//
//	[payload-len: u64 LE][dest-stage: u32 LE][tag: u8][key-len: u32 LE][key][value-len: u32 LE][value]
//
// payload-len excludes its own 8 bytes, covering everything from
// dest-stage onward, matching spec.md §6.
type Frame struct {
	Key       []byte
	Value     []byte
	DestStage int32
	Tag       FrameTag
}

// AckFrame is the 4-byte acknowledgement sent in reply to a FrameAckDone:
// [stage: u32 LE].
type AckFrame struct {
	Stage int32
}

// WriteFrame serializes f onto w.
func WriteFrame(w io.Writer, f Frame) error {
	payload := make([]byte, 0, 4+1+4+len(f.Key)+4+len(f.Value))
	var tmp4 [4]byte

	binary.LittleEndian.PutUint32(tmp4[:], uint32(f.DestStage))
	payload = append(payload, tmp4[:]...)
	payload = append(payload, byte(f.Tag))

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(f.Key)))
	payload = append(payload, tmp4[:]...)
	payload = append(payload, f.Key...)

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(f.Value)))
	payload = append(payload, tmp4[:]...)
	payload = append(payload, f.Value...)

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame parses one frame from r. A failure to read the 8-byte length
// header (including a clean EOF) is returned as the underlying io error;
// any malformed input after the header is reported as
// mrerr.ErrProtocolFrame (wrapped with context), per spec.md §7: a
// framing error on a channel is unrecoverable and fatal to the job.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	payloadLen := binary.LittleEndian.Uint64(hdr[:])
	if payloadLen < 9 || payloadLen > 1<<32 {
		return Frame{}, fmt.Errorf("%w: implausible payload length %d", mrerr.ErrProtocolFrame, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: short read: %v", mrerr.ErrProtocolFrame, err)
	}

	if len(payload) < 9 {
		return Frame{}, fmt.Errorf("%w: payload too short for header", mrerr.ErrProtocolFrame)
	}
	stage := int32(binary.LittleEndian.Uint32(payload[0:4]))
	tag := FrameTag(payload[4])
	off := 5

	if off+4 > len(payload) {
		return Frame{}, fmt.Errorf("%w: truncated key length", mrerr.ErrProtocolFrame)
	}
	keyLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if keyLen < 0 || off+keyLen > len(payload) {
		return Frame{}, fmt.Errorf("%w: truncated key", mrerr.ErrProtocolFrame)
	}
	key := payload[off : off+keyLen]
	off += keyLen

	if off+4 > len(payload) {
		return Frame{}, fmt.Errorf("%w: truncated value length", mrerr.ErrProtocolFrame)
	}
	valLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if valLen < 0 || off+valLen > len(payload) {
		return Frame{}, fmt.Errorf("%w: truncated value", mrerr.ErrProtocolFrame)
	}
	value := payload[off : off+valLen]

	return Frame{DestStage: stage, Tag: tag, Key: key, Value: value}, nil
}

// WriteAck serializes the 4-byte acknowledgement frame.
func WriteAck(w io.Writer, a AckFrame) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(a.Stage))
	_, err := w.Write(buf[:])
	return err
}

// ReadAck parses the 4-byte acknowledgement frame.
func ReadAck(r io.Reader) (AckFrame, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return AckFrame{}, err
	}
	return AckFrame{Stage: int32(binary.LittleEndian.Uint32(buf[:]))}, nil
}

// HashKey computes the routing coordinate spec.md defines as
// keyhash = CRC32(hash(key)) mod maxpeers[S+1]. Because Go's map iteration
// and byte-slice identity aren't a stable "hash(key)" on their own, the
// key is first canonicalized to its raw bytes (the caller is responsible
// for producing a canonical encoding of the logical key, e.g. via
// MarshalValue) and CRC32 is applied directly to those bytes, which is
// stable across workers for the same key as spec.md §5 requires.
func HashKey(key []byte, maxpeers int) uint32 {
	if maxpeers <= 0 {
		return 0
	}
	return crc32Checksum(key) % uint32(maxpeers)
}
