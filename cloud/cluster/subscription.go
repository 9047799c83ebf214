package cluster

import (
	"io"
)

// Subscription is a subscription to cluster changes. The subscriber
// maintains its own queue so the cluster loop never blocks on a slow
// consumer.
type Subscription struct {
	InitialMembers []Node            // The members at the time the subscription started
	Updates        chan []NodeUpdate // Updates as they happen
	Closer         io.Closer         // How to stop subscribing
}

type subscriber struct {
	inCh  chan []NodeUpdate
	outCh chan []NodeUpdate
	cl    *simpleCluster
	queue []NodeUpdate
}

func makeSubscription(initial []Node, cl *simpleCluster, inCh chan []NodeUpdate) Subscription {
	s := &subscriber{
		inCh:  inCh,
		outCh: make(chan []NodeUpdate),
		cl:    cl,
		queue: nil,
	}
	go s.loop()
	return Subscription{
		InitialMembers: initial,
		Updates:        s.outCh,
		Closer:         s,
	}
}

func (s *subscriber) Close() error {
	s.cl.closeSubscription(s)
	return nil
}

func (s *subscriber) loop() {
	for s.inCh != nil || len(s.queue) > 0 {
		var outCh chan []NodeUpdate
		var outgoing []NodeUpdate
		if len(s.queue) > 0 {
			outCh = s.outCh
			outgoing = s.queue
		}
		select {
		case updates, ok := <-s.inCh:
			if !ok {
				s.inCh = nil
				continue
			}
			s.queue = append(s.queue, updates...)
		case outCh <- outgoing:
			s.queue = nil
		}
	}
	close(s.outCh)
}
