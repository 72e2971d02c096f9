package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOverwritesUnconsumed(t *testing.T) {
	m := New[int]()

	m.Put(1)
	m.Put(2)
	m.Put(3)

	v, ok := m.Receive()
	require.True(t, ok)
	assert.Equal(t, 3, v, "only the newest value survives")

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestReceiveBlocksUntilPut(t *testing.T) {
	m := New[string]()

	got := make(chan string, 1)
	go func() {
		v, _ := m.Receive()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Receive returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	m.Put("frame")
	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake after Put")
	}
}

func TestCloseWakesReceiver(t *testing.T) {
	m := New[int]()

	var wg sync.WaitGroup
	wg.Add(1)
	var ok bool
	go func() {
		defer wg.Done()
		_, ok = m.Receive()
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	wg.Wait()

	assert.False(t, ok)
	assert.False(t, m.Put(1), "Put after Close must be rejected")
	m.Close() // idempotent
}

func TestPump(t *testing.T) {
	m := New[int]()

	var mu sync.Mutex
	var got []int
	done := m.Pump(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		m.Put(i)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 5
	}, time.Second, 5*time.Millisecond)

	m.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not stop after Close")
	}
}
