package coordinator

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerHeapOrdersByLoad(t *testing.T) {
	h := &workerHeap{}
	heap.Init(h)

	a := newWorkerEntry("http://a", "http://peer-a")
	b := newWorkerEntry("http://b", "http://peer-b")
	c := newWorkerEntry("http://c", "http://peer-c")
	heap.Push(h, a)
	heap.Push(h, b)
	heap.Push(h, c)

	require.Equal(t, 3, h.Len())
	assert.Equal(t, a, h.least(), "all entries start at zero load; heap.Push order wins ties")

	bump(h, c, 5)
	bump(h, b, 1)
	assert.Equal(t, a, h.least())

	bump(h, a, 10)
	assert.Equal(t, b, h.least(), "b has the lowest load once a is bumped past it")
}

func TestWorkerHeapLeastOnEmpty(t *testing.T) {
	h := &workerHeap{}
	assert.Nil(t, h.least())
}

func TestPickDestinationLockedPrefersUnusedPeer(t *testing.T) {
	c := &Coordinator{peers: []string{"http://p1", "http://p2"}}
	e := newWorkerEntry("http://w1", "http://p1")
	c.heap = workerHeap{e}

	unused, existing := c.pickDestinationLocked()
	assert.Equal(t, "http://p2", unused)
	assert.Nil(t, existing)
}

func TestPickDestinationLockedReusesLeastLoaded(t *testing.T) {
	c := &Coordinator{peers: []string{"http://p1"}}
	e := newWorkerEntry("http://w1", "http://p1")
	c.heap = workerHeap{e}

	unused, existing := c.pickDestinationLocked()
	assert.Empty(t, unused)
	require.NotNil(t, existing)
	assert.Equal(t, "http://w1", existing.url)
}
