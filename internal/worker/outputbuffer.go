package worker

// outputBufferCapacity bounds the number of queued (key, value) records
// between a kernel thread and the Scatterer goroutine draining it. Once
// full, Queue blocks the kernel thread — the channel's natural send
// blocking is this runtime's producer back-pressure (spec.md §7's
// BufferOverflow policy: "block until Scatterer drains enough to
// advance... never silently drop"), replacing the source's fixed-size
// mmap SPSC log with a bounded channel.
const outputBufferCapacity = 1024

type outputRecord struct {
	key, value []byte
}

// emitSink is what a kernel thread's emit calls feed into: either an
// OutputBuffer (routed to the next stage's Gatherers via the Scatterer) or
// a resultSink (streamed to the client, for the stage-N collector).
type emitSink interface {
	Emit(key, value []byte)
	Close()
}

// OutputBuffer is the per-kernel-thread producer side of spec.md §3's
// "Output buffer": kernel threads queue records; the Scatterer goroutine
// bound to this buffer consumes them and resolves each to a destination.
// Closing the channel is this implementation's queue_eof: the consumer
// goroutine observes the closed channel, drains nothing further, and
// proceeds to the end-of-stage AckDone cascade.
type OutputBuffer struct {
	destStage int
	ch        chan outputRecord
}

func newOutputBuffer(destStage int) *OutputBuffer {
	return &OutputBuffer{destStage: destStage, ch: make(chan outputRecord, outputBufferCapacity)}
}

// Emit implements emitSink.
func (ob *OutputBuffer) Emit(key, value []byte) {
	ob.ch <- outputRecord{key: key, value: value}
}

// Close implements emitSink: spec.md's queue_eof.
func (ob *OutputBuffer) Close() {
	close(ob.ch)
}
