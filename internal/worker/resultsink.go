package worker

import (
	"encoding/binary"
	"net"
	"net/http"
	"sync"
	"time"
)

// resultCapacity bounds how many result values can be buffered before a
// client connects to drain them; beyond that Emit blocks, the same
// back-pressure policy as OutputBuffer.
const resultCapacity = 256

// resultLinger is how long the result HTTP server stays up after the last
// value is pushed, so a client that is mid-GET isn't cut off the instant
// the collector kernel thread finishes.
const resultLinger = 5 * time.Second

// resultSink is stage N's emitSink: instead of routing to another
// Worker's Gatherer, it opens a short-lived HTTP listener, reports its URL
// to the Coordinator via notify_client_of_result, and streams every
// emitted value to whichever client connects first, as
// `[length: u32 BE][value bytes]` records (spec.md §6's "Result stream").
type resultSink struct {
	w   *Worker
	ch  chan []byte
	ln  net.Listener
	srv *http.Server

	closeOnce sync.Once
}

func (w *Worker) newResultSink() *resultSink {
	rs := &resultSink{w: w, ch: make(chan []byte, resultCapacity)}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		w.reportError(w.nkernels, err.Error())
		close(rs.ch)
		return rs
	}
	rs.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", rs.serveResults)
	rs.srv = &http.Server{Handler: mux}
	go rs.srv.Serve(ln)

	url := "http://" + ln.Addr().String() + "/"
	w.notifyResultURL(url)
	return rs
}

func (rs *resultSink) serveResults(w http.ResponseWriter, _ *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	var lenBuf [4]byte
	for v := range rs.ch {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return
		}
		if _, err := w.Write(v); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// Emit implements emitSink.
func (rs *resultSink) Emit(_, value []byte) {
	rs.ch <- value
}

// Close implements emitSink: the collector kernel thread has drained
// every key, so no further results will ever be produced. Stage N has no
// downstream Gatherer to acknowledge, so — unlike OutputBuffer, whose
// Close feeds the Scatterer's AckDone cascade — this reports stage_ended
// straight to the Coordinator, fulfilling the same barrier contract the
// cascade would otherwise provide.
func (rs *resultSink) Close() {
	rs.closeOnce.Do(func() {
		close(rs.ch)
		if rs.srv != nil {
			go func() {
				time.Sleep(resultLinger)
				rs.srv.Close()
			}()
		}
		rs.w.notifyStageEnded(rs.w.nkernels)
	})
}
