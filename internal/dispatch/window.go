package dispatch

import "time"

// window counts recipients sent over a rolling interval.
type window struct {
	span    time.Duration
	entries []windowEntry
	total   int
}

type windowEntry struct {
	at time.Time
	n  int
}

func newWindow(span time.Duration) *window { return &window{span: span} }

func (w *window) prune(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cut) {
		w.total -= w.entries[i].n
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) add(now time.Time, n int) {
	if n <= 0 {
		return
	}
	w.prune(now)
	w.entries = append(w.entries, windowEntry{at: now, n: n})
	w.total += n
}

func (w *window) used(now time.Time) int {
	w.prune(now)
	return w.total
}

// remaining is limit minus what was used in the last span, never negative.
func (w *window) remaining(now time.Time, limit int) int {
	return max(limit-w.used(now), 0)
}
