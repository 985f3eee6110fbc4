package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

// GetDestinations implements spec.md §4.2: called by a Scatterer that
// does not yet know where to send a (stage, keyhash) pair. On a cache
// miss it lazily assigns the keyhash to a Worker — starting one on an
// unused Peer if any remain, otherwise picking the least-loaded existing
// Worker — and returns the *full* current destinations[stage] mapping so
// the caller can cache every placement it now knows about without
// another round trip.
func (c *Coordinator) GetDestinations(ctx context.Context, stage int, keyhash uint32) (map[uint32]string, error) {
	c.mu.Lock()
	if _, ok := c.maxpeers[stage]; !ok {
		if stage == c.nkernels {
			c.maxpeers[stage] = 1 // the collector: funnel everything to one worker
		} else {
			c.maxpeers[stage] = len(c.peers)
		}
	}
	if _, ok := c.destinations[stage]; !ok {
		c.destinations[stage] = make(map[uint32]string)
	}
	if _, ok := c.destinations[stage][keyhash]; ok {
		c.mu.Unlock()
		return c.snapshotDestinations(stage), nil
	}

	unusedPeer, chosen := c.pickDestinationLocked()
	maxpeers := c.maxpeers[stage]
	c.mu.Unlock()

	var entry *workerEntry
	if unusedPeer != "" {
		if err := c.spawnWorkerOnCtx(ctx, unusedPeer); err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, e := range c.heap {
			if e.peerURL == unusedPeer {
				entry = e
				break
			}
		}
		c.mu.Unlock()
	} else {
		entry = chosen
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: no worker available for stage %d", mrerr.ErrRPCUnreachable, stage)
	}

	if err := c.runStageOn(ctx, entry, stage, maxpeers); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.destinations[stage][keyhash] = entry.url
	bump(&c.heap, entry, 1)
	result := c.snapshotDestinationsLocked(stage)
	c.mu.Unlock()
	return result, nil
}

// pickDestinationLocked must be called with mu held. It returns either an
// unused peer URL to spawn a fresh Worker on, or an existing workerEntry
// to reuse, per spec.md §4.2's placement policy.
func (c *Coordinator) pickDestinationLocked() (unusedPeer string, existing *workerEntry) {
	for _, p := range c.peers {
		if !slices.ContainsFunc(c.heap, func(e *workerEntry) bool { return e.peerURL == p }) {
			return p, nil
		}
	}
	return "", c.heap.least()
}

func (c *Coordinator) spawnWorkerOnCtx(ctx context.Context, peerURL string) error {
	// Re-used by GetDestinations to start a Worker on a peer the job
	// hasn't touched yet; payload is already known to every already-
	// running Worker, but a freshly spawned one still needs it, so the
	// caller must have cached payload at job Start (see Coordinator.payload).
	return c.spawnWorkerOn(ctx, peerURL, c.jobPayload())
}

func (c *Coordinator) snapshotDestinations(stage int) map[uint32]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotDestinationsLocked(stage)
}

func (c *Coordinator) snapshotDestinationsLocked(stage int) map[uint32]string {
	out := make(map[uint32]string, len(c.destinations[stage]))
	for k, v := range c.destinations[stage] {
		out[k] = v
	}
	return out
}
