package admission

import (
	"fmt"
	"time"
)

// queueNode is one parked admission request. It lives on a pool's request
// queue from enqueue() until the dequeue loop admits it, the caller cancels
// it, or its timeout elapses; all queue mutations happen under the
// controller lock.
type queueNode struct {
	schedule     *QuerySchedule
	admitOutcome *AdmitOutcome
	profile      *Profile

	// initialQueueReason is why the request could not be admitted when it
	// was first queued; lastQueueReason is the most recent dequeue-attempt
	// failure. Both are surfaced on the profile and the debug pages.
	initialQueueReason string
	lastQueueReason    string

	queuedTime time.Time
}

func (n *queueNode) String() string {
	return fmt.Sprintf("{query:%s pool:%s queued:%v reason:%q}",
		n.schedule.QueryId, n.schedule.RequestPool, n.queuedTime, n.lastQueueReason)
}

// requestQueue is the FIFO of parked requests for one pool.
type requestQueue struct {
	nodes []*queueNode
}

func (q *requestQueue) enqueue(n *queueNode) {
	q.nodes = append(q.nodes, n)
}

// head returns the oldest node without removing it, or nil.
func (q *requestQueue) head() *queueNode {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

// remove takes n out of the queue, wherever it is; returns false if n is
// no longer queued (e.g. the dequeue loop already removed it).
func (q *requestQueue) remove(n *queueNode) bool {
	for i, cur := range q.nodes {
		if cur == n {
			q.nodes = append(q.nodes[0:i], q.nodes[i+1:]...)
			return true
		}
	}
	return false
}

func (q *requestQueue) size() int64 {
	return int64(len(q.nodes))
}

func (q *requestQueue) empty() bool {
	return len(q.nodes) == 0
}
