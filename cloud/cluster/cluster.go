package cluster

import (
	"sort"
)

// Cluster tracks the executor membership of the cluster. Any coordinator
// can take a membership snapshot when scheduling a query, and interested
// parties can subscribe to membership changes.
type Cluster interface {
	// Members returns the current backends, sorted by id.
	Members() []Node
	// Size returns the number of live backends.
	Size() int
	// Subscribe subscribes to changes to the cluster.
	Subscribe() Subscription
	// Stop monitoring this cluster.
	Close() error
}

type simpleCluster struct {
	state    *state
	reqCh    chan interface{}
	updateCh chan []NodeUpdate
	stateCh  chan []Node
	subs     []chan []NodeUpdate
}

// NewCluster makes a cluster with the given initial members. Incremental
// updates arrive on updateCh; full membership snapshots (e.g. from a
// periodic registry fetch) arrive on stateCh and are diffed against the
// previous state. Either channel may be nil.
func NewCluster(initial []Node, updateCh chan []NodeUpdate, stateCh chan []Node) Cluster {
	c := &simpleCluster{
		state:    makeState(initial),
		reqCh:    make(chan interface{}),
		updateCh: updateCh,
		stateCh:  stateCh,
		subs:     nil,
	}
	go c.loop()
	return c
}

// NewStaticCluster makes a cluster with fixed membership.
func NewStaticCluster(members []Node) Cluster {
	return NewCluster(members, nil, nil)
}

func (c *simpleCluster) Members() []Node {
	ch := make(chan []Node)
	c.reqCh <- ch
	return <-ch
}

func (c *simpleCluster) Size() int {
	return len(c.Members())
}

func (c *simpleCluster) Subscribe() Subscription {
	ch := make(chan Subscription)
	c.reqCh <- ch
	return <-ch
}

func (c *simpleCluster) Close() error {
	close(c.reqCh)
	return nil
}

func (c *simpleCluster) done() bool {
	return c.updateCh == nil && c.stateCh == nil && c.reqCh == nil
}

func (c *simpleCluster) loop() {
	for !c.done() {
		select {
		case updates, ok := <-c.updateCh:
			if !ok {
				c.updateCh = nil
				continue
			}
			c.state.update(updates)
			for _, sub := range c.subs {
				sub <- updates
			}
		case nodes, ok := <-c.stateCh:
			if !ok {
				c.stateCh = nil
				continue
			}
			outgoing := c.state.setAndDiff(nodes)
			if len(outgoing) == 0 {
				continue
			}
			for _, sub := range c.subs {
				sub <- outgoing
			}
		case req, ok := <-c.reqCh:
			if !ok {
				c.reqCh = nil
				continue
			}
			c.handleReq(req)
		}
	}
	for _, sub := range c.subs {
		close(sub)
	}
}

func (c *simpleCluster) handleReq(req interface{}) {
	switch req := req.(type) {
	case chan []Node:
		// Members()
		req <- c.current()
	case chan Subscription:
		// Subscribe()
		ch := make(chan []NodeUpdate)
		c.subs = append(c.subs, ch)
		req <- makeSubscription(c.current(), c, ch)
	case chan []NodeUpdate:
		// close of a subscription
		for i, sub := range c.subs {
			if sub == req {
				c.subs = append(c.subs[0:i], c.subs[i+1:]...)
				close(req)
				break
			}
		}
	}
}

func (c *simpleCluster) closeSubscription(s *subscriber) {
	c.reqCh <- s.inCh
}

func (c *simpleCluster) current() []Node {
	var r []Node
	for _, v := range c.state.nodes {
		r = append(r, v)
	}
	sort.Sort(NodeSorter(r))
	return r
}
