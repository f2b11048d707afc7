package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	k := NewKey("-100123", "42")
	assert.Equal(t, "-100123:42", k.String())
	assert.Equal(t, k, ParseKey(k.String()))

	ch := NewKey("C1", "")
	assert.Equal(t, "C1", ch.String())
	assert.Equal(t, ch, ParseKey("C1"))
}

func TestTurnSizeCountsRunes(t *testing.T) {
	assert.Equal(t, 5, Turn{Content: "hello"}.Size())
	assert.Equal(t, 2, Turn{Content: "你好"}.Size())
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutexDoesNotBlockOtherKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "lock on b waited for a")
	}
}
