package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/mrpeer/internal/mrerr"
	"github.com/dreamware/mrpeer/internal/rpc"
	"github.com/dreamware/mrpeer/internal/rpcutil"
	"github.com/dreamware/mrpeer/internal/wire"
)

// Scatterer is the Worker's outbound key/value sender, per spec.md §4.5.
// The source describes a single-threaded event loop multiplexing every
// destination socket; this implementation keeps the same ownership
// model — one Scatterer per Worker, owning every outbound connection —
// but gives each OutputBuffer its own draining goroutine and each
// destination connection its own reader goroutine, which is the
// idiomatic Go replacement for hand-rolled readiness polling.
type Scatterer struct {
	w *Worker

	mu          sync.Mutex
	conns       map[string]*destConn    // worker URL -> connection
	known       map[int]map[uint32]string // stage -> keyhash -> worker URL (destination cache)
	destMaxpeer map[int]int               // destination stage -> maxpeers, set by run_stage

	noBypass atomic.Bool // test hook: force every destination through TCP
}

// destConn is one persistent outbound connection to another Worker's
// Gatherer, shared by every OutputBuffer that happens to route to it.
type destConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[int]chan struct{} // stage -> channel closed when its ack arrives
}

func newScatterer(w *Worker) *Scatterer {
	return &Scatterer{
		w:           w,
		conns:       make(map[string]*destConn),
		known:       make(map[int]map[uint32]string),
		destMaxpeer: make(map[int]int),
	}
}

// DisableLocalBypass is the test hook spec.md §8 scenario 5 calls for:
// forcing every destination through TCP, including ones that would
// otherwise resolve to this same Worker, so bypass output can be diffed
// against non-bypass output for the same job.
func (s *Scatterer) DisableLocalBypass() {
	s.noBypass.Store(true)
}

func (s *Scatterer) setDestMaxpeers(destStage, maxpeers int) {
	s.mu.Lock()
	s.destMaxpeer[destStage] = maxpeers
	s.mu.Unlock()
}

func (s *Scatterer) destMaxpeersFor(destStage int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destMaxpeer[destStage]
}

// drain is the per-OutputBuffer consumer goroutine: spec.md §4.5 step 2,
// specialized to one buffer instead of a round-robin over all of them,
// since each buffer already gets its own goroutine.
func (s *Scatterer) drain(ob *OutputBuffer) {
	used := make(map[string]bool)
	maxpeers := s.destMaxpeersFor(ob.destStage)

	for rec := range ob.ch {
		keyhash := wire.HashKey(rec.key, maxpeers)
		url, err := s.resolve(ob.destStage, keyhash)
		if err != nil {
			s.w.reportError(ob.destStage, err.Error())
			continue
		}
		used[url] = true

		if url == s.w.SelfURL && !s.noBypass.Load() {
			chain := s.w.getOrCreateChain(ob.destStage)
			if err := chain.Append(rec.key, rec.value); err != nil {
				s.w.reportError(ob.destStage, err.Error())
			}
			continue
		}

		dc, err := s.connFor(url)
		if err != nil {
			s.w.reportError(ob.destStage, err.Error())
			continue
		}
		if err := s.sendFrame(dc, wire.Frame{DestStage: int32(ob.destStage), Tag: wire.FrameData, Key: rec.key, Value: rec.value}); err != nil {
			s.w.reportError(ob.destStage, err.Error())
			continue
		}
		s.w.mx.BytesScattered.Add(float64(len(rec.value)))
	}

	s.finishStage(ob.destStage, used)
}

// resolve answers a (stage, keyhash) destination from the known cache,
// falling back to Coordinator.get_destinations on a miss and merging the
// full returned mapping, per spec.md §4.2.
func (s *Scatterer) resolve(stage int, keyhash uint32) (string, error) {
	s.mu.Lock()
	if m, ok := s.known[stage]; ok {
		if url, ok := m[keyhash]; ok {
			s.mu.Unlock()
			return url, nil
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := rpc.GetDestinationsRequest{Stage: stage, KeyHash: keyhash}
	var resp rpc.GetDestinationsResponse
	if err := rpcutil.PostJSON(ctx, s.w.CoordinatorURL+rpc.CoordGetDestinations, req, &resp); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.known[stage] == nil {
		s.known[stage] = make(map[uint32]string)
	}
	for khStr, url := range resp.Destinations {
		kh, err := parseKeyhash(khStr)
		if err != nil {
			continue
		}
		s.known[stage][kh] = url
	}
	url, ok := s.known[stage][keyhash]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: stage %d keyhash %d", mrerr.ErrUnknownKey, stage, keyhash)
	}
	return url, nil
}

// connFor returns the persistent connection to the Worker identified by
// workerURL (its RPC URL), dialing its Gatherer and starting a reader
// goroutine on first use. The Gatherer's address is a separate raw TCP
// listener from the Worker's HTTP RPC server, so it must be fetched via
// get_gatherer_addr before dialing (spec.md §6).
func (s *Scatterer) connFor(workerURL string) (*destConn, error) {
	s.mu.Lock()
	if dc, ok := s.conns[workerURL]; ok {
		s.mu.Unlock()
		return dc, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var resp rpc.GatherAddrResponse
	if err := rpcutil.PostJSON(ctx, workerURL+rpc.WorkerGatherAddr, struct{}{}, &resp); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(resp.Host, strconv.Itoa(resp.Port)), 10*time.Second)
	if err != nil {
		return nil, err
	}
	dc := &destConn{conn: conn, waiters: make(map[int]chan struct{})}

	s.mu.Lock()
	s.conns[workerURL] = dc
	s.mu.Unlock()

	s.w.wg.Add(1)
	go s.readAcks(workerURL, dc)
	return dc, nil
}

func (s *Scatterer) readAcks(_ string, dc *destConn) {
	defer s.w.wg.Done()
	for {
		ack, err := wire.ReadAck(dc.conn)
		if err != nil {
			return
		}
		dc.mu.Lock()
		if ch, ok := dc.waiters[int(ack.Stage)]; ok {
			close(ch)
			delete(dc.waiters, int(ack.Stage))
		}
		dc.mu.Unlock()
	}
}

func (s *Scatterer) sendFrame(dc *destConn, f wire.Frame) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return wire.WriteFrame(dc.conn, f)
}

// finishStage implements spec.md §4.5's end-of-buffer cascade: broadcast
// AckDone to every channel this output buffer actually used, wait for
// every one to ack, then report stage_ended(self, destStage-1) to the
// Coordinator. A local-bypass destination never opens a connection, so it
// is skipped: there is no AckDone to send and no ack to wait for. Its
// Gatherer buffer's all_received flag is set only when the Coordinator's
// stage_ended RPC arrives (spec.md §4.2), as for every other buffer.
func (s *Scatterer) finishStage(destStage int, used map[string]bool) {
	if len(used) == 0 {
		// No channel was ever used for this stage: the kernel emitted
		// nothing. Synthesize completion immediately (spec.md §4.5).
		s.w.notifyStageEnded(destStage - 1)
		return
	}

	var wg sync.WaitGroup
	for url := range used {
		if url == s.w.SelfURL && !s.noBypass.Load() {
			continue
		}
		dc, err := s.connFor(url)
		if err != nil {
			s.w.reportError(destStage, err.Error())
			continue
		}

		done := make(chan struct{})
		dc.mu.Lock()
		dc.waiters[destStage] = done
		dc.mu.Unlock()

		if err := s.sendFrame(dc, wire.Frame{DestStage: int32(destStage), Tag: wire.FrameAckDone}); err != nil {
			s.w.reportError(destStage, err.Error())
			continue
		}

		wg.Add(1)
		go func(done chan struct{}) {
			defer wg.Done()
			<-done
		}(done)
	}
	wg.Wait()

	s.w.notifyStageEnded(destStage - 1)
}

// closeAll tears down every outbound connection during shutdown.
func (s *Scatterer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dc := range s.conns {
		dc.conn.Close()
	}
}
