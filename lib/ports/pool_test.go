package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsBadRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"inverted", 5910, 5900},
		{"zero", 0, 10},
		{"too high", 65000, 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.min, tt.max)
			require.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestAcquireLowestFirst(t *testing.T) {
	p, err := NewPool(5900, 5903)
	require.NoError(t, err)

	for want := 5900; want <= 5903; want++ {
		got, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	p.Release(5901)
	got, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5901, got)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, err := NewPool(5900, 5901)
	require.NoError(t, err)

	port, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, p.InUse())

	p.Release(port)
	p.Release(port)
	p.Release(1234)
	assert.Equal(t, 0, p.InUse())
	assert.False(t, p.IsReserved(port))
}

func TestReserve(t *testing.T) {
	p, err := NewPool(5900, 5909)
	require.NoError(t, err)

	require.NoError(t, p.Reserve(5900))
	require.ErrorIs(t, p.Reserve(5900), ErrInUse)
	require.ErrorIs(t, p.Reserve(6000), ErrOutOfRange)

	got, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5901, got, "reserved port must be skipped")
}

func TestPoolSpanningWords(t *testing.T) {
	p, err := NewPool(10000, 10129)
	require.NoError(t, err)
	assert.Equal(t, 130, p.Size())

	for i := 0; i < 130; i++ {
		got, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, 10000+i, got)
	}
	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestConcurrentAcquireNeverDuplicates(t *testing.T) {
	p, err := NewPool(5900, 5999)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
		errs int
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Acquire()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			assert.False(t, seen[port], "port %d handed out twice", port)
			seen[port] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	assert.Equal(t, 50, errs)
	assert.Equal(t, 100, p.InUse())
}
