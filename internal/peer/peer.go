// Package peer implements the host-level daemon from spec.md §4.1: it
// registers itself in the shared directory, spawns Workers on demand, and
// creates a Coordinator for every job submitted to it.
package peer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/mrpeer/internal/coordinator"
	"github.com/dreamware/mrpeer/internal/directory"
	"github.com/dreamware/mrpeer/internal/logging"
	"github.com/dreamware/mrpeer/internal/metrics"
	"github.com/dreamware/mrpeer/internal/mrerr"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/wire"
)

// job tracks one submission's Coordinator RPC server so it can be torn
// down once the job finishes.
type job struct {
	server *coordinator.Server
}

// Peer is the long-lived per-host daemon, per spec.md §2: "Publishes a
// discovery record into a shared directory, hosts a control RPC endpoint,
// and forks Workers on demand." It outlives any individual job.
type Peer struct {
	SelfURL   string
	Hostname  string
	WorkerBin string // path to this same binary, re-invoked with --worker=<hostname>

	log zerolog.Logger
	mx  *metrics.Registry
	dir directory.Directory

	spawnTimeout time.Duration

	nextTaskID atomic.Uint64

	mu       sync.Mutex
	jobs     map[string]*job
	children map[string][]*exec.Cmd
}

// New constructs a Peer that publishes into dir and spawns Workers from
// workerBin. Kernel chain reconstruction happens inside each spawned
// Worker process, not here, so Peer needs no kernel.Registry of its own.
func New(dir directory.Directory, workerBin, hostname string) *Peer {
	return &Peer{
		Hostname:     hostname,
		WorkerBin:    workerBin,
		log:          logging.New("peer"),
		mx:           metrics.New("peer"),
		dir:          dir,
		spawnTimeout: 10 * time.Second,
		jobs:         make(map[string]*job),
	}
}

// Register publishes this Peer's RPC URL into the shared directory under
// the `<hostname>:<port>.peer` convention spec.md §6 describes.
func (p *Peer) Register() error {
	return p.dir.Register(p.entryName(), p.SelfURL)
}

// Deregister removes this Peer's directory entry on graceful shutdown.
// Best-effort: spec.md §4.1 tolerates stale entries from crashed peers, so
// a failure here is logged, not fatal.
func (p *Peer) Deregister() {
	if err := p.dir.Deregister(p.entryName()); err != nil {
		p.log.Warn().Err(err).Msg("deregister failed")
	}
}

// entryName builds the "<hostname>:<port>" directory key spec.md §6
// describes. The port comes from p.SelfURL (set by Listen before
// Register is ever called) rather than p.Hostname alone, so several
// Peers on one test host — sharing os.Hostname() but bound to distinct
// ports — still get distinct directory entries.
func (p *Peer) entryName() string {
	port := "0"
	if u, err := url.Parse(p.SelfURL); err == nil {
		if _, portPart, err := net.SplitHostPort(u.Host); err == nil {
			port = portPart
		}
	}
	return p.Hostname + ":" + port
}

// ListPeers implements Peer.list_peers(). The directory backend's order
// is unspecified, so results are sorted for a stable roster snapshot
// across calls.
func (p *Peer) ListPeers() ([]string, error) {
	urls, err := p.dir.List()
	if err != nil {
		return nil, err
	}
	slices.Sort(urls)
	return urls, nil
}

// Execute implements Peer.execute(taskspec, payload): the client-facing
// submission path. It allocates a task id, snapshots the current peer
// roster, creates a Coordinator and its RPC server, and starts the job in
// the background. taskSpecBytes is forwarded verbatim to every
// Peer.start_worker call so spawned Workers inherit the client's
// requested program/cwd/argv/env. The caller drains the returned
// Coordinator's Progress() channel for the streamed response, then calls
// FinishJob.
func (p *Peer) Execute(ctx context.Context, spec wire.TaskSpec, taskSpecBytes, payload []byte) (*coordinator.Coordinator, string, error) {
	peers, err := p.dir.List()
	if err != nil {
		return nil, "", fmt.Errorf("peer: list peers: %w", err)
	}
	if len(peers) == 0 {
		return nil, "", mrerr.ErrNoPeersAvailable
	}

	taskID := p.newTaskID()
	c := coordinator.New(jobID(), taskID, "", peers, spec.NKernels, taskSpecBytes)

	srv, err := coordinator.Listen(c)
	if err != nil {
		return nil, "", fmt.Errorf("peer: listen coordinator: %w", err)
	}

	p.mu.Lock()
	p.jobs[taskID] = &job{server: srv}
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(); err != nil {
			p.log.Warn().Err(err).Str("task", taskID).Msg("coordinator server exited")
		}
	}()

	go func() {
		if err := c.Start(ctx, payload); err != nil {
			p.log.Warn().Err(err).Str("task", taskID).Msg("job failed to start")
		}
	}()

	return c, taskID, nil
}

// FinishJob tears down a completed job's Coordinator server and reaps its
// spawned Workers. The caller — the /execute HTTP handler — invokes this
// once it has fully drained the Coordinator's Progress channel to its own
// client connection, since Progress has exactly one consumer.
func (p *Peer) FinishJob(taskID string) {
	p.mu.Lock()
	j, ok := p.jobs[taskID]
	delete(p.jobs, taskID)
	p.mu.Unlock()
	if ok {
		j.server.Close()
	}
	p.killChildren(taskID)
}

func (p *Peer) newTaskID() string {
	return fmt.Sprintf("task-%d", p.nextTaskID.Add(1))
}

func jobID() string {
	return uuid.NewString()
}

// Stat answers peer.stat().
func (p *Peer) Stat() rpc.StatResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return rpc.StatResponse{Role: "peer", ID: fmt.Sprintf("%s (%d active jobs)", p.Hostname, len(p.jobs)), Healthy: true}
}
