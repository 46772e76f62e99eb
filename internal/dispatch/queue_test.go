package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, p Priority, at time.Time, n int) *Task {
	return &Task{ID: id, Priority: p, ScheduledAt: at, Recipients: users(id+"-", n)}
}

func TestQueueOrdersBySchedule(t *testing.T) {
	t.Parallel()
	qs := newQueueSet()
	qs.push(task("b", Medium, t0.Add(2*time.Second), 1))
	qs.push(task("a", Medium, t0, 1))
	qs.push(task("c", Medium, t0.Add(2*time.Second), 1))

	var got []string
	for t := qs.next(t0.Add(time.Hour), DefaultLevels()); t != nil; t = qs.next(t0.Add(time.Hour), DefaultLevels()) {
		got = append(got, t.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, qs.len())
}

func TestQueuePushFrontKeepsPlace(t *testing.T) {
	t.Parallel()
	qs := newQueueSet()
	qs.push(task("a", Low, t0, 1))
	qs.push(task("b", Low, t0, 1))
	first := qs.next(t0, DefaultLevels())
	require.Equal(t, "a", first.ID)
	qs.pushFront(first)
	assert.Equal(t, "a", qs.head(Low).ID)
}

func TestQueueAheadAndRemove(t *testing.T) {
	t.Parallel()
	qs := newQueueSet()
	qs.push(task("c1", Critical, t0, 3))
	qs.push(task("h1", High, t0, 5))
	pos := qs.push(task("h2", High, t0, 2))
	tasks, recipients := qs.ahead(High, pos)
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 8, recipients)
	assert.Equal(t, 10, qs.recipients())

	got, ok := qs.remove("h1")
	require.True(t, ok)
	assert.Equal(t, "h1", got.ID)
	_, ok = qs.remove("h1")
	assert.False(t, ok)
	assert.Equal(t, 1, qs.lenOf(High))
}

func TestQueueSkipsFutureHeads(t *testing.T) {
	t.Parallel()
	qs := newQueueSet()
	qs.push(task("later", Critical, t0.Add(time.Minute), 1))
	qs.push(task("now", Low, t0, 1))
	got := qs.next(t0, DefaultLevels())
	require.NotNil(t, got)
	assert.Equal(t, "now", got.ID)
	assert.Nil(t, qs.next(t0, DefaultLevels()))
}

func TestWindowRolls(t *testing.T) {
	t.Parallel()
	w := newWindow(time.Minute)
	w.add(t0, 40)
	w.add(t0.Add(30*time.Second), 50)
	assert.Equal(t, 10, w.remaining(t0.Add(31*time.Second), 100))
	assert.Equal(t, 0, w.remaining(t0.Add(31*time.Second), 80))
	assert.Equal(t, 50, w.used(t0.Add(60*time.Second)))
	assert.Equal(t, 0, w.used(t0.Add(90*time.Second)))
}

func TestBackoffGrows(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryDelay: time.Second, ExponentialBackoff: true}
	assert.Equal(t, time.Second, backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, backoff(cfg, 3))
	cfg.ExponentialBackoff = false
	assert.Equal(t, time.Second, backoff(cfg, 3))
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, High, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
