package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

func TestChainAppendAndIterate(t *testing.T) {
	c, err := New(1 << 16)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Append([]byte("a"), []byte("1")))
	require.NoError(t, c.Append([]byte("b"), []byte("2")))
	require.NoError(t, c.Append([]byte("a"), []byte("3")))
	c.SetAllReceived()

	assert.Equal(t, []string{"a", "b"}, c.Keys())

	cur := c.Iteritems()

	key, values, ok := cur.NextKey()
	require.True(t, ok)
	assert.Equal(t, "a", string(key))
	var got []string
	for {
		v, ok := values.Next()
		if !ok {
			break
		}
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"1", "3"}, got)

	key, values, ok = cur.NextKey()
	require.True(t, ok)
	assert.Equal(t, "b", string(key))
	v, ok := values.Next()
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	_, ok = values.Next()
	assert.False(t, ok)

	_, _, ok = cur.NextKey()
	assert.False(t, ok, "no more keys once all_received and the key-chain is exhausted")
}

// TestValueIterRecoversFromCachedTail exercises §4.4's "blocks on
// new_value[key], rechecks the tail under the lock" path: a consumer
// drains a key to its current tail and blocks inside Next() before a
// second Append for that same key lands. The blocked call must observe
// the newly appended value rather than spinning to EOF once
// SetAllReceived fires.
func TestValueIterRecoversFromCachedTail(t *testing.T) {
	c, err := New(1 << 16)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Append([]byte("a"), []byte("1")))

	cur := c.Iteritems()
	_, values, ok := cur.NextKey()
	require.True(t, ok)

	v, ok := values.Next()
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	results := make(chan string, 1)
	go func() {
		v, ok := values.Next()
		if !ok {
			results <- ""
			return
		}
		results <- string(v)
	}()

	// Give the goroutine time to block inside Next() at the cached tail.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Append([]byte("a"), []byte("2")))

	select {
	case got := <-results:
		assert.Equal(t, "2", got, "a value appended after the reader blocked at the tail must still be delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("Next() never woke up for the appended value")
	}
}

func TestChainSetAllReceivedUnblocksWaitingIterator(t *testing.T) {
	c, err := New(1 << 16)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan bool, 1)
	go func() {
		cur := c.Iteritems()
		_, _, ok := cur.NextKey()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	c.SetAllReceived()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("NextKey did not unblock after SetAllReceived")
	}
}

func TestChainAppendExhaustionReturnsBufferOverflow(t *testing.T) {
	c, err := New(32)
	require.NoError(t, err)
	defer c.Close()

	var lastErr error
	for i := 0; i < 1000; i++ {
		if lastErr = c.Append([]byte("k"), []byte("0123456789")); lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, mrerr.ErrBufferOverflow)
}

func TestChainSetAllReceivedIsIdempotent(t *testing.T) {
	c, err := New(1 << 12)
	require.NoError(t, err)
	defer c.Close()

	c.SetAllReceived()
	c.SetAllReceived()
	assert.True(t, c.AllReceived())
}
