package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Kind string
	N    int
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New[sample]()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(sample{Kind: "x", N: 1})

	require.Equal(t, sample{Kind: "x", N: 1}, <-a)
	require.Equal(t, sample{Kind: "x", N: 1}, <-c)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(1)
	b.Publish(2)
	require.Equal(t, uint64(1), b.Dropped())
	require.Equal(t, 1, <-ch)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	// Publishing after unsubscribe must not panic.
	b.Publish(7)
}
