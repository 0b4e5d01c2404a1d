// ABOUTME: Task queue: active tasks by id, per-priority FIFO tiers, bounded history
// ABOUTME: Not synchronized; the Dispatcher guards it with its mutex

package task

import (
	"slices"
	"strings"
)

// Queue holds active tasks and the pending order.
type Queue struct {
	active      map[string]*Task
	tiers       [4][]string
	history     []Task
	historySize int
}

// NewQueue creates a queue keeping up to historySize finished tasks.
func NewQueue(historySize int) *Queue {
	return &Queue{
		active:      make(map[string]*Task),
		historySize: historySize,
	}
}

// add inserts a new task and enqueues it if pending.
func (q *Queue) add(t *Task) {
	q.active[t.ID] = t
	if t.Status == StatusPending {
		q.pushBack(t)
	}
}

func (q *Queue) get(id string) (*Task, bool) {
	t, ok := q.active[id]
	return t, ok
}

func (q *Queue) pushBack(t *Task) {
	i := t.Priority.tier()
	q.tiers[i] = append(q.tiers[i], t.ID)
}

func (q *Queue) pushFront(t *Task) {
	i := t.Priority.tier()
	q.tiers[i] = append([]string{t.ID}, q.tiers[i]...)
}

// unqueue removes id from its pending tier.
func (q *Queue) unqueue(t *Task) {
	i := t.Priority.tier()
	q.tiers[i] = slices.DeleteFunc(q.tiers[i], func(id string) bool { return id == t.ID })
}

// pending returns pending tasks in dispatch order.
func (q *Queue) pending() []*Task {
	var out []*Task
	for _, tier := range q.tiers {
		for _, id := range tier {
			if t, ok := q.active[id]; ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// finish moves t from the active map to history.
func (q *Queue) finish(t *Task) {
	q.unqueue(t)
	delete(q.active, t.ID)
	q.history = append(q.history, t.clone())
	if len(q.history) > q.historySize {
		q.history = q.history[len(q.history)-q.historySize:]
	}
}

func (q *Queue) lookup(id string) (Task, bool) {
	if t, ok := q.active[id]; ok {
		return t.clone(), true
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i].clone(), true
		}
	}
	return Task{}, false
}

// heldBy returns active tasks assigned to agentID.
func (q *Queue) heldBy(agentID string) []*Task {
	var out []*Task
	for _, t := range q.active {
		if t.AgentID == agentID && t.Status.Active() {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of active tasks.
func (q *Queue) Len() int {
	return len(q.active)
}

// PendingLen returns the number of tasks waiting for an agent.
func (q *Queue) PendingLen() int {
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}

func sortBySubmission(ts []Task) {
	slices.SortFunc(ts, func(a, b Task) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
