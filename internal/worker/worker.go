// Package worker implements the per-(Peer, job) executor from spec.md
// §4.3: it hosts a Gatherer and a Scatterer, runs one kernel thread per
// active stage, and reports stage completion back to its Coordinator.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/mrpeer/internal/buffer"
	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/logging"
	"github.com/dreamware/mrpeer/internal/metrics"
	"github.com/dreamware/mrpeer/internal/mrerr"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
	"github.com/dreamware/mrpeer/internal/wire"
)

// Worker is one kernel-executing process for a single job, per spec.md
// §2. Concurrency follows spec.md §5's single-lock-per-component policy:
// every mutable map below is guarded by mu.
type Worker struct {
	SelfURL        string
	CoordinatorURL string

	log      zerolog.Logger
	mx       *metrics.Registry
	registry *kernel.Registry

	gatherer  *Gatherer
	scatterer *Scatterer

	mu       sync.Mutex
	chains   map[int]*buffer.Chain
	running  map[int]bool
	kernels  []kernel.Kernel // stage 0..nkernels-1, pre-wrapped at Initialize
	nkernels int
	failed   bool

	bufSize int

	disableLocalBypass bool // set before Initialize; applied once the Scatterer exists

	wg sync.WaitGroup
}

// New creates a Worker bound to selfURL (its own RPC URL, filled in by the
// HTTP server once it binds — see Listen in server.go) using registry to
// reconstruct the job's kernel chain.
func New(registry *kernel.Registry) *Worker {
	bufSize := buffer.DefaultSize64
	if strconv.IntSize == 32 {
		bufSize = buffer.DefaultSize32
	}
	if n, err := strconv.Atoi(os.Getenv("MRPEER_BUFSIZE")); err == nil && n > 0 {
		bufSize = n
	}
	return &Worker{
		log:      logging.New("worker"),
		mx:       metrics.New("worker"),
		registry: registry,
		chains:   make(map[int]*buffer.Chain),
		running:  make(map[int]bool),
		bufSize:  bufSize,
	}
}

// Initialize implements Worker.initialize(coordinator_url, payload), per
// spec.md §4.3: start the Gatherer and Scatterer, decode the kernel chain,
// inject the items blob into buffer[-1] as the single synthetic record,
// and mark it fully received.
func (w *Worker) Initialize(ctx context.Context, coordinatorURL string, payload []byte) error {
	w.CoordinatorURL = coordinatorURL

	jp, err := wire.UnmarshalJobPayload(payload)
	if err != nil {
		return fmt.Errorf("worker: decode payload: %w", err)
	}

	chain, err := w.registry.LoadChain(jp.Kernels)
	if err != nil {
		return fmt.Errorf("worker: load kernel chain: %w", err)
	}

	w.mu.Lock()
	w.nkernels = len(chain)
	w.kernels = wrapChain(chain)
	w.mu.Unlock()

	g, err := listenGatherer(w)
	if err != nil {
		return fmt.Errorf("worker: start gatherer: %w", err)
	}
	w.gatherer = g
	w.scatterer = newScatterer(w)
	if w.disableLocalBypass {
		w.scatterer.DisableLocalBypass()
	}

	feederChain := w.getOrCreateChain(-1)
	itemsKey := encodeIndex(0)
	if err := feederChain.Append(itemsKey, jp.Items); err != nil {
		return fmt.Errorf("worker: inject items: %w", err)
	}
	feederChain.SetAllReceived()
	return nil
}

// wrapChain applies the stage-0 key-strip and stage-(N-1) re-key-to-zero
// wrappers spec.md §4.3 requires around the user kernel chain.
func wrapChain(chain []kernel.Kernel) []kernel.Kernel {
	out := make([]kernel.Kernel, len(chain))
	copy(out, chain)
	if len(out) == 0 {
		return out
	}
	out[0] = stripKeyKernel{inner: out[0]}
	last := len(out) - 1
	if last == 0 {
		out[0] = rekeyZeroKernel{inner: out[0]}
	} else {
		out[last] = rekeyZeroKernel{inner: out[last]}
	}
	return out
}

// RunStage implements Worker.run_stage(stage, maxpeers): spawn the kernel
// thread for stage if it isn't already running, and record maxpeers as the
// modulus this Worker's own output (destined for stage+1) must hash
// against; the Scatterer stores it under stage+1, the stage that output
// is routed to.
func (w *Worker) RunStage(stage, maxpeers int) error {
	w.mu.Lock()
	if w.running[stage] {
		w.mu.Unlock()
		return nil
	}
	w.running[stage] = true
	w.mu.Unlock()

	w.scatterer.setDestMaxpeers(stage+1, maxpeers)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runStageLoop(stage)
	}()
	return nil
}

// runStageLoop is the kernel thread main loop from spec.md §4.3.
func (w *Worker) runStageLoop(stage int) {
	chain := w.getOrCreateChain(stage)
	kern := w.kernelFor(stage)

	var sink emitSink
	if stage == w.nkernelsSnapshot() {
		sink = w.newResultSink()
	} else {
		ob := newOutputBuffer(stage + 1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.scatterer.drain(ob)
		}()
		sink = ob
	}

	cur := chain.Iteritems()
	for {
		key, values, ok := cur.NextKey()
		if !ok {
			break
		}
		if err := kern.Invoke(key, values, sink.Emit); err != nil {
			w.reportError(stage, fmt.Errorf("%w: %v", mrerr.ErrKernel, err).Error())
			break
		}
	}

	w.mu.Lock()
	delete(w.chains, stage)
	w.mu.Unlock()
	chain.Close()

	w.notifyStageThreadEnded(stage)
	sink.Close()
}

func (w *Worker) nkernelsSnapshot() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nkernels
}

// kernelFor resolves the Kernel that runs a given stage: the feeder and
// collector are fixed wrappers; everything else is the already-wrapped
// user chain.
func (w *Worker) kernelFor(stage int) kernel.Kernel {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case stage == -1:
		return feederKernel{}
	case stage == w.nkernels:
		return collectorKernel{}
	default:
		return w.kernels[stage]
	}
}

// getOrCreateChain returns the Gatherer buffer for stage, allocating it on
// first reference (spec.md §3: "Buffers for stage S are created on first
// write").
func (w *Worker) getOrCreateChain(stage int) *buffer.Chain {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.chains[stage]; ok {
		return c
	}
	c, err := buffer.New(w.bufSize)
	if err != nil {
		// Allocation failure at this layer has no good synchronous return
		// path (Gatherer callers expect *buffer.Chain, not an error); report
		// it as a kernel-level fault so the job aborts cleanly rather than
		// panicking.
		w.reportError(stage, fmt.Sprintf("allocate gatherer buffer: %v", err))
		var fallbackErr error
		c, fallbackErr = buffer.New(1 << 16)
		if fallbackErr != nil {
			// The smaller fallback size failed too: the host is out of
			// mappable memory. Nothing downstream can tolerate a nil
			// *buffer.Chain, and there is no smaller size left to try, so
			// this is fatal to the process rather than the job.
			w.log.Fatal().Err(fallbackErr).Int("stage", stage).Msg("gatherer buffer allocation failed at fallback size")
		}
	}
	w.chains[stage] = c
	return c
}

func (w *Worker) notifyStageThreadEnded(stage int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := rpc.StageThreadEndedRequest{Worker: w.SelfURL, Stage: stage}
	if err := rpcutil.PostJSON(ctx, w.CoordinatorURL+rpc.CoordStageThreadEnded, req, nil); err != nil {
		w.log.Warn().Err(err).Int("stage", stage).Msg("stage_thread_ended failed")
	}
}

func (w *Worker) notifyStageEnded(stage int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := rpc.StageEndedRequest{Worker: w.SelfURL, Stage: stage}
	if err := rpcutil.PostJSON(ctx, w.CoordinatorURL+rpc.CoordStageEnded, req, nil); err != nil {
		w.log.Warn().Err(err).Int("stage", stage).Msg("stage_ended failed")
	}
}

func (w *Worker) notifyResultURL(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := rpc.NotifyResultRequest{URL: url}
	if err := rpcutil.PostJSON(ctx, w.CoordinatorURL+rpc.CoordNotifyResult, req, nil); err != nil {
		w.log.Warn().Err(err).Str("url", url).Msg("notify_client_of_result failed")
	}
}

func (w *Worker) reportError(stage int, message string) {
	w.mu.Lock()
	w.failed = true
	w.mu.Unlock()
	w.log.Error().Int("stage", stage).Str("message", message).Msg("worker fault")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := rpc.ReportErrorRequest{Worker: w.SelfURL, Stage: stage, Message: message}
	if err := rpcutil.PostJSON(ctx, w.CoordinatorURL+rpc.CoordReportError, req, nil); err != nil {
		w.log.Warn().Err(err).Msg("report_error failed")
	}
}

// Shutdown implements Worker.shutdown(): signal the Scatterer, close every
// socket, and join outstanding goroutines with a bounded timeout, per
// spec.md §5 ("timeouts on thread joins are logged but do not block
// exit").
func (w *Worker) Shutdown() {
	if w.gatherer != nil {
		w.gatherer.close()
	}
	if w.scatterer != nil {
		w.scatterer.closeAll()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.log.Warn().Msg("shutdown: goroutines did not join within timeout")
	}

	w.mu.Lock()
	for stage, c := range w.chains {
		c.Close()
		delete(w.chains, stage)
	}
	w.mu.Unlock()
}

// Stat answers worker.stat().
func (w *Worker) Stat() rpc.StatResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	return rpc.StatResponse{Role: "worker", ID: w.SelfURL, Healthy: !w.failed}
}

// DisableLocalBypass is the scenario-5 test hook: it forces this Worker's
// Scatterer to route every (stage, keyhash) pair over TCP, even ones that
// resolve back to this same Worker, so bypass and non-bypass runs of the
// same job can be diffed. Safe to call before Initialize (the Scatterer
// doesn't exist yet) — the flag is applied once Initialize creates it.
func (w *Worker) DisableLocalBypass() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disableLocalBypass = true
	if w.scatterer != nil {
		w.scatterer.DisableLocalBypass()
	}
}

// GatherAddr answers worker.get_gatherer_addr().
func (w *Worker) GatherAddr() rpc.GatherAddrResponse {
	host, port := w.gatherer.addr()
	return rpc.GatherAddrResponse{Host: host, Port: port}
}
