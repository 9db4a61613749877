package ringbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSizeMustBePowerOfTwo(t *testing.T) {
	_, err := New(1000)
	require.Error(t, err)

	_, err = New(1024)
	require.NoError(t, err)
}

func TestPushPullOrder(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, r.Push(i))
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Pull()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestPushFull(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	// capacity is size-1
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))
	require.False(t, r.Push(4))

	_, ok := r.Pull()
	require.True(t, ok)
	require.True(t, r.Push(4))
}

func TestPullBlocksUntilPush(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	done := make(chan interface{})
	go func() {
		v, _ := r.Pull()
		done <- v
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, r.Push("x"))

	select {
	case v := <-done:
		require.Equal(t, "x", v)
	case <-time.After(time.Second):
		t.Fatal("Pull did not wake up")
	}
}

func TestCloseDrains(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	require.True(t, r.Push(1))
	r.Close()

	v, ok := r.Pull()
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = r.Pull()
	require.False(t, ok)

	require.False(t, r.Push(2))
}

func TestConcurrentProducers(t *testing.T) {
	r, err := New(1024)
	require.NoError(t, err)

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Push(i) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for got < producers*perProducer {
			_, ok := r.Pull()
			if !ok {
				return
			}
			got++
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain")
	}
	require.Equal(t, producers*perProducer, got)
}
