package admission

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestRequestQueueFifo(t *testing.T) {
	q := &requestQueue{}
	if q.head() != nil || !q.empty() {
		t.Fatalf("new queue should be empty")
	}
	a := &queueNode{schedule: &QuerySchedule{QueryId: "a"}}
	b := &queueNode{schedule: &QuerySchedule{QueryId: "b"}}
	c := &queueNode{schedule: &QuerySchedule{QueryId: "c"}}
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)
	if q.size() != 3 {
		t.Fatalf("size=%v", q.size())
	}
	if q.head() != a {
		t.Fatalf("head should be the oldest node: %s", spew.Sdump(q.head()))
	}
	if !q.remove(a) || q.head() != b {
		t.Fatalf("after removing a, head should be b: %s", spew.Sdump(q.head()))
	}
}

func TestRequestQueueRemoveMiddle(t *testing.T) {
	q := &requestQueue{}
	a := &queueNode{schedule: &QuerySchedule{QueryId: "a"}}
	b := &queueNode{schedule: &QuerySchedule{QueryId: "b"}}
	c := &queueNode{schedule: &QuerySchedule{QueryId: "c"}}
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)
	if !q.remove(b) {
		t.Fatalf("remove should find b")
	}
	if q.remove(b) {
		t.Fatalf("second remove should report missing")
	}
	if q.head() != a || q.size() != 2 {
		t.Fatalf("queue disturbed: %s", spew.Sdump(q))
	}
}
