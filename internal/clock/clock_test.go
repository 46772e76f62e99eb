package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	tk := f.NewTicker(time.Second)

	f.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	f.Advance(500 * time.Millisecond)
	select {
	case at := <-tk.C():
		require.Equal(t, start.Add(time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	f.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeTickerReset(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Minute)
	tk.Reset(10 * time.Second)
	f.Advance(10 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("reset ticker did not fire at new interval")
	}
}

func TestFakeSleepAdvances(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Unix(100, 0))
	require.NoError(t, f.Sleep(context.Background(), 3*time.Second))
	require.Equal(t, time.Unix(103, 0), f.Now())
	require.Equal(t, 3*time.Second, f.Slept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
}

func TestRealSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
