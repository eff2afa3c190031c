package lib

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 50
	counter := 0

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("acct-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, workers, counter)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done // "b" must not wait on "a"
	unlockA()
}

func TestKeyedMutex_EntriesReleased(t *testing.T) {
	km := NewKeyedMutex()
	for i := 0; i < 100; i++ {
		unlock := km.Lock("acct-1")
		unlock()
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	require.Empty(t, km.locks)
}
