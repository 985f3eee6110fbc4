package buffer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

// sentinel marks the next-offset field of the last record in a chain.
// spec.md §3 invariant: this field is always the sentinel until another
// record is appended for the same key.
const sentinel = ^uint64(0)

// recordHeaderSize is the fixed-size prefix of every record:
// [value-length: u64][value bytes][next-offset: u64].
const recordHeaderSize = 8
const recordTrailerSize = 8

// Chain is one stage's Gatherer buffer: an append-only log of
// (key, value) records organized as a singly-linked chain per distinct
// key, plus a key-chain recording distinct keys in arrival order so
// iterators can discover keys as they arrive (spec.md §3).
//
// All mutation of the backing region happens under mu, matching spec.md
// §5's "every mutable map... is protected by a single per-component lock"
// and "memory-mapped buffer regions are mutated only by the component
// that owns them". Readers either hold mu or rely on the fact that a
// record's bytes are only ever read after its next-offset field already
// publishes the sentinel or a later offset — i.e. after the write that
// produced them has completed under the lock.
type Chain struct {
	heads map[string]uint64 // key -> first record offset
	tails map[string]uint64 // key -> last record offset (fast append)

	mu          sync.Mutex
	cond        *sync.Cond
	region      region
	order       []string // the key-chain: distinct keys in arrival order
	writeOff    uint64
	cursor      int // shared iteration cursor into order, for Iteritems
	allReceived bool
}

// New allocates a Chain with the given byte budget. size should be
// DefaultSize64 or DefaultSize32 unless MRPEER_BUFSIZE overrides it.
func New(size int) (*Chain, error) {
	r, err := newRegion(size)
	if err != nil {
		return nil, fmt.Errorf("buffer: allocate region: %w", err)
	}
	c := &Chain{
		region: r,
		heads:  make(map[string]uint64),
		tails:  make(map[string]uint64),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Close releases the backing region. Safe to call once the Chain is no
// longer referenced by any iterator.
func (c *Chain) Close() error {
	return c.region.release()
}

// Append adds one (key, value) record to key's chain, creating the chain
// (and a key-chain entry) on first reference. It implements the four-step
// algorithm from spec.md §4.4:
//  1. acquire the lock
//  2. register a new key-chain entry if key is unseen
//  3. append the value record, patching the previous tail's next-offset
//  4. wake any iterator blocked waiting for new data
func (c *Chain) Append(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	need := uint64(recordHeaderSize + len(value) + recordTrailerSize)
	region := c.region.bytes()
	if c.writeOff+need > uint64(len(region)) {
		return fmt.Errorf("%w: chain buffer exhausted (%d bytes)", mrerr.ErrBufferOverflow, len(region))
	}

	off := c.writeOff
	binary.LittleEndian.PutUint64(region[off:], uint64(len(value)))
	copy(region[off+recordHeaderSize:], value)
	nextFieldOff := off + recordHeaderSize + uint64(len(value))
	binary.LittleEndian.PutUint64(region[nextFieldOff:], sentinel)
	c.writeOff = nextFieldOff + recordTrailerSize

	ks := string(key)
	if prevTail, seen := c.tails[ks]; seen {
		// Patch the previous tail's next-offset to point at the new
		// record. This is the in-place back-patch the design notes call
		// out as the zero-copy chaining trick.
		prevNextFieldOff := prevTail + recordHeaderSize + recordValueLen(region, prevTail)
		binary.LittleEndian.PutUint64(region[prevNextFieldOff:], off)
	} else {
		c.heads[ks] = off
		c.order = append(c.order, ks)
	}
	c.tails[ks] = off

	c.cond.Broadcast()
	return nil
}

func recordValueLen(region []byte, recordOff uint64) uint64 {
	return binary.LittleEndian.Uint64(region[recordOff:])
}

// SetAllReceived transitions the buffer's all_received flag false -> true
// exactly once (spec.md §3 invariant) and wakes every iterator blocked on
// new_key or new_value[*] so they can observe termination.
func (c *Chain) SetAllReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allReceived {
		return
	}
	c.allReceived = true
	c.cond.Broadcast()
}

// AllReceived reports whether SetAllReceived has been called.
func (c *Chain) AllReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allReceived
}

// Cursor walks the key-chain from a shared position: concurrent callers
// on the same Chain each observe a distinct key, matching spec.md §4.4
// ("each key is delivered to exactly one thread").
type Cursor struct {
	c *Chain
}

// Iteritems returns the shared key-chain cursor for this buffer. Multiple
// kernel threads on the same Worker may call NextKey concurrently; the
// buffer's lock serializes cursor advancement.
func (c *Chain) Iteritems() *Cursor {
	return &Cursor{c: c}
}

// NextKey blocks until either a new key arrives or the buffer is fully
// received with no further keys pending, returning ok=false in the latter
// case.
func (cur *Cursor) NextKey() (key []byte, values *ValueIter, ok bool) {
	c := cur.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.cursor >= len(c.order) && !c.allReceived {
		c.cond.Wait()
	}
	if c.cursor >= len(c.order) {
		return nil, nil, false
	}
	ks := c.order[c.cursor]
	c.cursor++
	head := c.heads[ks]
	return []byte(ks), &ValueIter{c: c, pos: head}, true
}

// ValueIter walks one key's chain link by link, blocking on new data
// until the chain's tail resolves to the sentinel *and* the buffer is
// marked all_received (spec.md §4.4).
type ValueIter struct {
	c   *Chain
	pos uint64 // offset of the next record to consume, or sentinel once
	// every record appended so far has been consumed.

	// lastNextFieldOff is the offset of the last-consumed record's
	// next-offset field. Once pos == sentinel, a wakeup must re-read this
	// field from the region rather than trust a cached sentinel value:
	// Append back-patches it in place (line 98) when a later value
	// arrives for this same key, per spec.md §4.4's "rechecks the tail
	// under the lock" requirement.
	lastNextFieldOff uint64
	hasLast          bool
}

// Next returns the next value in the chain, or ok=false once the chain is
// exhausted and no more values will ever arrive.
func (it *ValueIter) Next() (value []byte, ok bool) {
	c := it.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if it.pos == sentinel {
			if it.hasLast {
				region := c.region.bytes()
				it.pos = binary.LittleEndian.Uint64(region[it.lastNextFieldOff:])
				if it.pos != sentinel {
					continue
				}
			}
			if c.allReceived {
				return nil, false
			}
			c.cond.Wait()
			continue
		}
		region := c.region.bytes()
		valLen := binary.LittleEndian.Uint64(region[it.pos:])
		valOff := it.pos + recordHeaderSize
		v := make([]byte, valLen)
		copy(v, region[valOff:valOff+valLen])
		nextFieldOff := valOff + valLen
		it.lastNextFieldOff = nextFieldOff
		it.hasLast = true
		it.pos = binary.LittleEndian.Uint64(region[nextFieldOff:])
		return v, true
	}
}

// Keys returns a snapshot of every distinct key observed so far, in
// arrival order. Used by tests and by stats/debug endpoints; does not
// advance any cursor.
func (c *Chain) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
