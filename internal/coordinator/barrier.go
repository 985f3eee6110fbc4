package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/mrpeer/internal/mrerr"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
)

// StageThreadEnded is bookkeeping-only, per spec.md §4.2: decrement the
// per-worker-per-stage kernel thread count reported by worker.
func (c *Coordinator) StageThreadEnded(worker string, stage int) {
	c.mu.Lock()
	e, ok := c.byWorkerURL[worker]
	if ok {
		e.threadCounts[stage]--
	}
	c.mu.Unlock()
	c.emit(rpc.KindThreadEndedOnWorker, map[string]any{"worker": worker, "stage": stage})
}

// StageEnded is spec.md §4.2's stage_ended(worker, S): a Worker reports
// that all its S-threads have exited and all downstream Gatherers
// acknowledged receipt. Processing happens on a background goroutine —
// never inline on the calling RPC handler — because the Worker may be
// holding its own locks during the call.
func (c *Coordinator) StageEnded(worker string, stage int) {
	go c.handleStageEnded(worker, stage)
}

func (c *Coordinator) handleStageEnded(worker string, stage int) {
	c.mu.Lock()
	e, ok := c.byWorkerURL[worker]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.stageEndedReported[stage] = true

	globallyEnded := true
	for _, w := range c.byWorkerURL {
		if w.runningStages[stage] && !w.stageEndedReported[stage] {
			globallyEnded = false
			break
		}
	}
	c.mu.Unlock()

	c.emit(rpc.KindStageEndedOnWorker, map[string]any{"worker": worker, "stage": stage})

	if globallyEnded {
		c.stageEndedGlobally(stage)
	}
}

// stageEndedGlobally implements spec.md §4.2: once every Worker running
// stage has reported stage_ended for it, tell every Worker running stage+1 that
// stage is globally done (flipping their Gatherer buffer[stage+1]'s
// all_received flag), then free destinations[stage] and maxpeers[stage].
// When stage == nkernels the job itself is complete.
func (c *Coordinator) stageEndedGlobally(stage int) {
	c.emit(rpc.KindStageEnded, map[string]any{"stage": stage})

	next := stage + 1
	c.mu.Lock()
	var downstream []*workerEntry
	for _, e := range c.byWorkerURL {
		if e.runningStages[next] {
			downstream = append(downstream, e)
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range downstream {
		wg.Add(1)
		go func(e *workerEntry) {
			defer wg.Done()
			req := rpc.StageEndedRequest{Stage: next}
			if err := rpcutil.PostJSON(ctx, e.url+rpc.WorkerStageEnded, req, nil); err != nil {
				c.log.Warn().Err(err).Str("worker", e.url).Int("stage", next).Msg("failed to notify worker of stage end")
			}
		}(e)
	}
	wg.Wait()

	c.mu.Lock()
	delete(c.destinations, stage)
	delete(c.maxpeers, stage)
	jobDone := stage == c.nkernels
	vacuousNext := !jobDone && len(downstream) == 0
	c.mu.Unlock()

	if jobDone {
		c.finish()
		return
	}
	if vacuousNext {
		// No Worker was ever told to run_stage(next) because stage never
		// routed a single key downstream (an empty-emit kernel, spec.md
		// §8's "Delivery completeness"). There is nobody to report
		// stage_ended(next) back to the Coordinator, so the cascade would
		// otherwise stall here forever. Stage next is vacuously ended;
		// keep advancing until either a Worker is running some later
		// stage or the cascade reaches nkernels and finish() fires.
		c.stageEndedGlobally(next)
	}
}

// finish sends DONE to the client and shuts down every Worker, per
// spec.md §4.2: "When S == nkernels, the job is complete."
func (c *Coordinator) finish() {
	c.emit(rpc.KindDone, map[string]string{"job": c.JobID})
	c.shutdownAll()
	c.closeProgress()
}

// NotifyClientOfResult forwards url verbatim as a RESULT progress
// message, per spec.md §4.2.
func (c *Coordinator) NotifyClientOfResult(url string) {
	c.emit(rpc.KindResult, map[string]string{"url": url})
}

// ReportError is how a Worker's KernelException (or other locally-fatal
// fault) reaches the Coordinator. Per spec.md §7, KernelException
// "propagates up as a terminal progress message" and shuts down the job —
// identical treatment to any other fatal error kind.
func (c *Coordinator) ReportError(worker string, stage int, message string) {
	c.fail(fmt.Errorf("%w: worker %s stage %d: %s", mrerr.ErrKernel, worker, stage, message))
}

// shutdownAll issues Worker.shutdown() to every spawned Worker,
// best-effort: failures are logged, not retried, matching spec.md §7's
// "no partial-failure recovery in the core".
func (c *Coordinator) shutdownAll() {
	c.mu.Lock()
	workers := make([]string, 0, len(c.byWorkerURL))
	for url := range c.byWorkerURL {
		workers = append(workers, url)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, url := range workers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if err := rpcutil.PostJSON(ctx, url+rpc.WorkerShutdown, struct{}{}, nil); err != nil {
				c.log.Warn().Err(err).Str("worker", url).Msg("shutdown call failed")
			}
		}(url)
	}
	wg.Wait()
}

// Stat answers coordinator.stat().
func (c *Coordinator) Stat() rpc.StatResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rpc.StatResponse{Role: "coordinator", ID: c.JobID, Healthy: !c.failed}
}
