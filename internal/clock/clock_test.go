package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhealth/syncbox/internal/clock"
)

func TestRealClockNow(t *testing.T) {
	c := clock.New()
	before := time.Now()
	got := c.Now()
	after := time.Now()

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestFakeNow(t *testing.T) {
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	f := clock.NewFake(start)

	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), f.Now())
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	f := clock.NewFake(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	f.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, f.Now(), at)
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestFakeAfterImmediate(t *testing.T) {
	f := clock.NewFake(time.Now())

	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}

	select {
	case <-f.After(-time.Second):
	default:
		t.Fatal("negative duration should fire immediately")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	f := clock.NewFake(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	late := f.After(10 * time.Second)
	early := f.After(2 * time.Second)

	f.Advance(time.Minute)

	a := <-early
	b := <-late
	require.True(t, a.Before(b))
	assert.Equal(t, 0, f.Waiters())
}

func TestFakeBlockUntil(t *testing.T) {
	f := clock.NewFake(time.Now())

	done := make(chan struct{})
	go func() {
		f.BlockUntil(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("BlockUntil returned with no waiters")
	case <-time.After(10 * time.Millisecond):
	}

	ch := f.After(time.Hour)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not observe the waiter")
	}

	f.Advance(time.Hour)
	<-ch
}
