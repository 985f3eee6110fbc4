// Package coordinator implements the job-level controller from spec.md
// §4.2: it owns the worker roster, the per-stage key routing table, and
// the stage-completion barrier, and relays progress to the submitting
// client. One Coordinator exists per submitted job, created in-process by
// the Peer that received the submission (spec.md §2).
package coordinator

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/mrpeer/internal/logging"
	"github.com/dreamware/mrpeer/internal/mrerr"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
)

// Coordinator is the job-level controller described in spec.md §4.2.
//
// Concurrency: every mutable map (destinations, maxpeers, roster, thread
// counts) is protected by mu, per spec.md §5's one-lock-per-component
// policy. stage_ended is always processed on a background goroutine
// (handleStageEnded), never inline on the calling RPC handler's
// goroutine, because the Worker that reported it may itself be holding
// locks during the call (spec.md §4.2).
type Coordinator struct {
	JobID   string
	TaskID  string
	SelfURL string // this Coordinator's own RPC URL, passed to Workers

	log zerolog.Logger

	mu           sync.Mutex
	peers        []string                // known peer URLs at job start
	byWorkerURL  map[string]*workerEntry // worker URL -> entry
	heap         workerHeap
	destinations map[int]map[uint32]string // stage -> keyhash -> worker URL
	maxpeers     map[int]int               // stage -> fixed peer count
	nkernels     int

	progress chan rpc.ProgressMessage
	done     bool
	failed   bool

	taskSpec []byte // the TaskSpec envelope passed to every Peer.start_worker call
	payload  []byte // the [kernels, locals] ++ items blob every Worker.initialize needs
}

// jobPayload returns the job's initialize payload, safe to call
// concurrently with Start (which sets it once before the first Worker is
// spawned).
func (c *Coordinator) jobPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// New creates a Coordinator for one job. peers is the peer roster
// snapshot taken at submission time (spec.md §4.1: Peer.execute creates
// the Coordinator). nkernels is the kernel chain length N; stage indices
// range over [-1, N] as spec.md §3 describes. taskSpec is the raw
// TaskSpec envelope the client submitted, forwarded verbatim to every
// Peer.start_worker call so each child Worker process inherits the
// program/cwd/argv/env the client asked for (spec.md §4.1).
func New(jobID, taskID, selfURL string, peers []string, nkernels int, taskSpec []byte) *Coordinator {
	c := &Coordinator{
		JobID:        jobID,
		TaskID:       taskID,
		SelfURL:      selfURL,
		log:          logging.New("coordinator").With().Str("job", jobID).Logger(),
		peers:        append([]string(nil), peers...),
		byWorkerURL:  make(map[string]*workerEntry),
		destinations: make(map[int]map[uint32]string),
		maxpeers:     make(map[int]int),
		nkernels:     nkernels,
		taskSpec:     taskSpec,
		progress:     make(chan rpc.ProgressMessage, 64),
	}
	heap.Init(&c.heap)
	return c
}

// Progress returns the channel of progress messages for the submitting
// client. It is closed once the terminal DONE or ERROR message has been
// sent.
func (c *Coordinator) Progress() <-chan rpc.ProgressMessage {
	return c.progress
}

func (c *Coordinator) emit(kind string, args any) {
	b, _ := json.Marshal(args)
	select {
	case c.progress <- rpc.ProgressMessage{Kind: kind, Args: b}:
	default:
		// A slow/gone client must never block the job; drop rather than
		// stall the barrier logic.
	}
}

// fail records a terminal failure, emits it to the client, and triggers
// best-effort shutdown of every spawned Worker, per spec.md §7: "all
// errors are reported once, with the job-wide effect being shutdown."
func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	alreadyDone := c.done || c.failed
	c.failed = true
	c.mu.Unlock()
	if alreadyDone {
		return
	}
	c.log.Error().Err(err).Msg("job failed")
	c.emit(rpc.KindError, map[string]string{"error": err.Error()})
	c.shutdownAll()
	c.closeProgress()
}

func (c *Coordinator) closeProgress() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()
	close(c.progress)
}

// Start pre-spawns one Worker on every currently-known peer, initializes
// each with the job payload, then kicks off stage -1 (the synthetic
// feeder) on the least-loaded worker with one synthetic key, per
// spec.md §4.2.
func (c *Coordinator) Start(ctx context.Context, payload []byte) error {
	c.emit(rpc.KindStart, map[string]string{"job": c.JobID})

	c.mu.Lock()
	c.payload = payload
	c.mu.Unlock()

	if len(c.peers) == 0 {
		err := fmt.Errorf("%w", mrerr.ErrNoPeersAvailable)
		c.fail(err)
		return err
	}

	for _, peerURL := range c.peers {
		if err := c.spawnWorkerOn(ctx, peerURL, payload); err != nil {
			c.fail(err)
			return err
		}
	}

	c.mu.Lock()
	feeder := c.heap.least()
	c.maxpeers[-1] = 1
	c.mu.Unlock()
	if feeder == nil {
		err := fmt.Errorf("%w: no worker available for feeder stage", mrerr.ErrRPCUnreachable)
		c.fail(err)
		return err
	}

	if err := c.runStageOn(ctx, feeder, -1, 1); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Coordinator) spawnWorkerOn(ctx context.Context, peerURL string, payload []byte) error {
	var resp rpc.StartWorkerResponse
	req := rpc.StartWorkerRequest{TaskID: c.TaskID, TaskSpec: c.taskSpec}
	if err := rpcutil.PostJSON(ctx, peerURL+rpc.PeerStartWorker, req, &resp); err != nil {
		return fmt.Errorf("start_worker on %s: %w", peerURL, err)
	}
	if resp.WorkerURL == "" {
		return fmt.Errorf("%w: peer %s returned no worker URL", mrerr.ErrSpawnFailed, peerURL)
	}

	initReq := rpc.InitializeRequest{CoordinatorURL: c.SelfURL, Payload: payload}
	if err := rpcutil.PostJSON(ctx, resp.WorkerURL+rpc.WorkerInitialize, initReq, nil); err != nil {
		return fmt.Errorf("initialize %s: %w", resp.WorkerURL, err)
	}

	c.mu.Lock()
	e := newWorkerEntry(resp.WorkerURL, peerURL)
	c.byWorkerURL[resp.WorkerURL] = e
	heap.Push(&c.heap, e)
	c.mu.Unlock()

	c.emit(rpc.KindWorkerStart, map[string]string{"worker": resp.WorkerURL, "peer": peerURL})
	return nil
}

func (c *Coordinator) runStageOn(ctx context.Context, e *workerEntry, stage, maxpeers int) error {
	c.mu.Lock()
	already := e.runningStages[stage]
	c.mu.Unlock()
	if already {
		return nil
	}
	req := rpc.RunStageRequest{Stage: stage, MaxPeers: maxpeers}
	if err := rpcutil.PostJSON(ctx, e.url+rpc.WorkerRunStage, req, nil); err != nil {
		return fmt.Errorf("run_stage(%d) on %s: %w", stage, e.url, err)
	}
	c.mu.Lock()
	e.runningStages[stage] = true
	// The Coordinator, not the Worker, keeps the thread counts (spec.md
	// §4.2): run_stage starts one kernel thread, credited here and
	// decremented by StageThreadEnded. The counts are bookkeeping only;
	// the barrier in handleStageEnded reads runningStages and
	// stageEndedReported, not threadCounts.
	e.threadCounts[stage]++
	c.mu.Unlock()
	return nil
}
