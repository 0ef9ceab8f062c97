package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterFiresOnTick(t *testing.T) {
	s := NewService()

	fired := false
	s.After(10*time.Millisecond, func() { fired = true })

	s.Tick(5 * time.Millisecond)
	require.False(t, fired, "fired before its deadline")

	s.Tick(5 * time.Millisecond)
	require.True(t, fired, "did not fire once its deadline was crossed")
}

func TestCancelPreventsFiring(t *testing.T) {
	s := NewService()

	fired := false
	h := s.After(10*time.Millisecond, func() { fired = true })
	s.Cancel(h)

	s.Tick(20 * time.Millisecond)
	require.False(t, fired, "canceled timer fired")
}

func TestFiresInDeadlineOrder(t *testing.T) {
	s := NewService()

	var order []int
	s.After(30*time.Millisecond, func() { order = append(order, 2) })
	s.After(5*time.Millisecond, func() { order = append(order, 1) })

	s.Tick(40 * time.Millisecond)
	require.Equal(t, []int{1, 2}, order)
}

func TestTickCatchesUpEveryDueFiring(t *testing.T) {
	s := NewService()

	count := 0
	s.After(5*time.Millisecond, func() { count++ })
	s.After(10*time.Millisecond, func() { count++ })
	s.After(200*time.Millisecond, func() { count++ }) // not due yet

	s.Tick(100 * time.Millisecond)
	require.Equal(t, 2, count)
}

func TestRearmingFromWithinACallback(t *testing.T) {
	s := NewService()

	fires := 0
	var rearm func()
	rearm = func() {
		fires++
		if fires < 3 {
			s.After(5*time.Millisecond, rearm)
		}
	}
	s.After(5*time.Millisecond, rearm)

	s.Tick(5 * time.Millisecond)
	s.Tick(5 * time.Millisecond)
	s.Tick(5 * time.Millisecond)
	require.Equal(t, 3, fires)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, b.Duration(0))
	require.Equal(t, 200*time.Millisecond, b.Duration(1))
	require.Equal(t, 400*time.Millisecond, b.Duration(2))
	require.Equal(t, 500*time.Millisecond, b.Duration(3))
	require.Equal(t, 500*time.Millisecond, b.Duration(10))
}
