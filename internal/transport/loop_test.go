package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopReentrantPost(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() {
		// Posting from inside a handler must not block.
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoopStopRejectsPosts(t *testing.T) {
	l := NewLoop()
	go l.Run()

	stopped := make(chan struct{})
	l.Post(func() {
		l.Stop()
		l.Stop()
		close(stopped)
	})
	<-stopped
	<-l.Done()

	assert.False(t, l.Post(func() { t.Error("ran after stop") }))
}
