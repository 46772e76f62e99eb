package dispatch

import (
	"sort"
	"time"
)

// queueSet holds one slice per priority, each ordered by ScheduledAt.
// Equal times keep insertion order. Not safe for concurrent use.
type queueSet struct {
	q     [len(Priorities)][]*Task
	index map[string]Priority
}

func newQueueSet() *queueSet {
	return &queueSet{index: make(map[string]Priority)}
}

// push inserts t after every task scheduled at or before it.
func (s *queueSet) push(t *Task) int {
	r := t.Priority.rank()
	q := s.q[r]
	i := sort.Search(len(q), func(i int) bool { return q[i].ScheduledAt.After(t.ScheduledAt) })
	s.insert(r, i, t)
	return i
}

// pushFront inserts t before tasks scheduled at the same time. Used to put back
// the unsent remainder of a task so it keeps its place.
func (s *queueSet) pushFront(t *Task) int {
	r := t.Priority.rank()
	q := s.q[r]
	i := sort.Search(len(q), func(i int) bool { return !q[i].ScheduledAt.Before(t.ScheduledAt) })
	s.insert(r, i, t)
	return i
}

func (s *queueSet) insert(r, i int, t *Task) {
	q := append(s.q[r], nil)
	copy(q[i+1:], q[i:])
	q[i] = t
	s.q[r] = q
	s.index[t.ID] = t.Priority
}

func (s *queueSet) head(p Priority) *Task {
	q := s.q[p.rank()]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (s *queueSet) popHead(p Priority) *Task {
	r := p.rank()
	q := s.q[r]
	if len(q) == 0 {
		return nil
	}
	t := q[0]
	q[0] = nil
	s.q[r] = q[1:]
	delete(s.index, t.ID)
	return t
}

// remove drops a queued task by id.
func (s *queueSet) remove(id string) (*Task, bool) {
	p, ok := s.index[id]
	if !ok {
		return nil, false
	}
	r := p.rank()
	q := s.q[r]
	for i, t := range q {
		if t.ID == id {
			s.q[r] = append(q[:i], q[i+1:]...)
			delete(s.index, id)
			return t, true
		}
	}
	delete(s.index, id)
	return nil, false
}

// next pops the task to serve at now: the first overdue head in priority
// order, else the first eligible head in priority order. Heads scheduled in
// the future are skipped.
func (s *queueSet) next(now time.Time, levels map[Priority]Level) *Task {
	var ready Priority
	for _, p := range Priorities {
		h := s.head(p)
		if h == nil || h.ScheduledAt.After(now) {
			continue
		}
		if now.Sub(h.ScheduledAt) > levels[p].MaxDelay {
			return s.popHead(p)
		}
		if ready == "" {
			ready = p
		}
	}
	if ready == "" {
		return nil
	}
	return s.popHead(ready)
}

func (s *queueSet) len() int { return len(s.index) }

func (s *queueSet) lenOf(p Priority) int { return len(s.q[p.rank()]) }

// ahead counts recipients queued in front of a task at position pos of p.
func (s *queueSet) ahead(p Priority, pos int) (tasks, recipients int) {
	for _, lp := range Priorities {
		q := s.q[lp.rank()]
		n := len(q)
		if lp == p {
			n = min(pos, len(q))
		} else if lp.rank() > p.rank() {
			break
		}
		for _, t := range q[:n] {
			recipients += len(t.Recipients)
		}
		tasks += n
	}
	return tasks, recipients
}

func (s *queueSet) recipients() int {
	n := 0
	for _, q := range s.q {
		for _, t := range q {
			n += len(t.Recipients)
		}
	}
	return n
}
