package logsvc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsStrictlyIncreasingLines(t *testing.T) {
	s := NewStore()
	sessionID := "session-a"

	r1 := s.Append(sessionID, time.Now(), "info", "first")
	r2 := s.Append(sessionID, time.Now(), "info", "second")
	r3 := s.Append(sessionID, time.Now(), "error", "third")

	require.EqualValues(t, 1, r1.Line)
	require.EqualValues(t, 2, r2.Line)
	require.EqualValues(t, 3, r3.Line)
}

func TestSinceReturnsExactOrderedTail(t *testing.T) {
	s := NewStore()
	sessionID := "session-b"

	want := []string{"alpha", "beta", "gamma", "delta"}
	for _, msg := range want {
		s.Append(sessionID, time.Now(), "info", msg)
	}

	all := s.Since(sessionID, 0)
	require.Len(t, all, len(want))
	for i, msg := range want {
		require.Equal(t, msg, all[i].Message)
		require.EqualValues(t, i+1, all[i].Line)
	}

	tail := s.Since(sessionID, 2)
	require.Len(t, tail, 2)
	require.Equal(t, "gamma", tail[0].Message)
	require.Equal(t, "delta", tail[1].Message)

	require.Nil(t, s.Since(sessionID, uint64(len(want))))
}

func TestSinceIsolatesSessions(t *testing.T) {
	s := NewStore()
	s.Append("session-x", time.Now(), "info", "only in x")
	s.Append("session-y", time.Now(), "info", "only in y")

	x := s.Since("session-x", 0)
	require.Len(t, x, 1)
	require.Equal(t, "only in x", x[0].Message)

	y := s.Since("session-y", 0)
	require.Len(t, y, 1)
	require.Equal(t, "only in y", y[0].Message)
}

func TestConcurrentAppendsAssignDistinctMonotoneLines(t *testing.T) {
	s := NewStore()
	sessionID := "session-concurrent"

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.Append(sessionID, time.Now(), "info", "line")
		}()
	}
	wg.Wait()

	records := s.Since(sessionID, 0)
	require.Len(t, records, n)
	seen := make(map[uint64]bool, n)
	for i, r := range records {
		require.EqualValues(t, i+1, r.Line, "lines must be gapless and in store order")
		require.False(t, seen[r.Line], "duplicate line number %d", r.Line)
		seen[r.Line] = true
	}
}
