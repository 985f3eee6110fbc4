package coordinator

import "container/heap"

// workerEntry tracks one Worker this job has spawned: which Peer hosts
// it, how many keys the Coordinator has assigned to it across all
// stages, and per-stage thread bookkeeping used by the barrier logic.
type workerEntry struct {
	url     string
	peerURL string

	nkeysAssigned int // heap ordering key
	index         int // maintained by container/heap

	runningStages map[int]bool // stage -> run_stage already issued
	threadCounts  map[int]int  // stage -> live kernel threads reported

	// stageEndedReported records, per stage, that this worker's stage_ended
	// call has landed — i.e. every downstream Gatherer has acknowledged
	// receipt of this worker's output for the stage, not merely that its
	// kernel thread exited. The barrier only advances on this, never on
	// threadCounts alone: a thread can finish computing well before the
	// Scatterer's AckDone round trips for it complete.
	stageEndedReported map[int]bool
}

func newWorkerEntry(url, peerURL string) *workerEntry {
	return &workerEntry{
		url:                url,
		peerURL:            peerURL,
		runningStages:      make(map[int]bool),
		threadCounts:       make(map[int]int),
		stageEndedReported: make(map[int]bool),
	}
}

// workerHeap is the min-heap ordered by nkeys_assigned spec.md §4.2
// describes, used to pick the least-loaded worker when a new key needs a
// destination. It is manipulated only while the Coordinator's mu is held.
type workerHeap []*workerEntry

func (h workerHeap) Len() int            { return len(h) }
func (h workerHeap) Less(i, j int) bool  { return h[i].nkeysAssigned < h[j].nkeysAssigned }
func (h workerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *workerHeap) Push(x any) {
	e := x.(*workerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *workerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// least returns the current least-loaded entry without removing it.
func (h workerHeap) least() *workerEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// bump increases an entry's nkeysAssigned and restores heap order. The
// entry must already be a member of h.
func bump(h *workerHeap, e *workerEntry, by int) {
	e.nkeysAssigned += by
	heap.Fix(h, e.index)
}
