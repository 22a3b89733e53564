package scheduler

import "container/heap"

// waitQueue is the priority-ordered waiting set for one conversation.
// Higher priority first, submission order among equals. Cancelled tasks are
// removed lazily: Cancel flips the status and pop skips terminal entries.
type waitQueue struct {
	tasks taskHeap
}

func newWaitQueue() *waitQueue {
	return &waitQueue{tasks: taskHeap{}}
}

func (q *waitQueue) push(task *Task) {
	heap.Push(&q.tasks, task)
}

// pop returns the next promotable task, skipping entries that went terminal
// while waiting. Returns nil when nothing is promotable.
func (q *waitQueue) pop() *Task {
	for q.tasks.Len() > 0 {
		task := heap.Pop(&q.tasks).(*Task)
		if task.Status.Terminal() {
			continue
		}
		return task
	}
	return nil
}

func (q *waitQueue) len() int {
	return q.tasks.Len()
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
