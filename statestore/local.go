package statestore

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LocalBus is an in-process statestore. All subscribers live in the same
// process; Tick() performs one heartbeat round synchronously, which makes
// multi-coordinator convergence tests deterministic. Run() drives ticks on
// an interval for single-binary deployments.
type LocalBus struct {
	mu     sync.Mutex
	topics map[string]map[string][]byte // topic -> key -> value
	subs   []*localSubscriber
	closer chan struct{}
	once   sync.Once
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		topics: make(map[string]map[string][]byte),
		closer: make(chan struct{}),
	}
}

// Subscriber returns a new subscriber handle on this bus. The id is used
// only for logging.
func (b *LocalBus) Subscriber(id string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &localSubscriber{
		id:        id,
		bus:       b,
		callbacks: make(map[string]UpdateCallback),
		pending:   make(map[string][]TopicItem),
		needsFull: make(map[string]bool),
	}
	b.subs = append(b.subs, s)
	return s
}

// Tick runs one heartbeat round: every subscriber receives the pending
// delta for each of its topics and publishes its outgoing items, which
// become pending for all other subscribers.
func (b *LocalBus) Tick() {
	b.mu.Lock()
	subs := append([]*localSubscriber{}, b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver()
	}
}

// Run drives Tick on the heartbeat interval until Close.
func (b *LocalBus) Run(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-b.closer:
			return
		}
	}
}

func (b *LocalBus) Close() {
	b.once.Do(func() { close(b.closer) })
}

// publish records items in the topic map and queues them for every other
// subscriber registered for the topic.
func (b *LocalBus) publish(from *localSubscriber, topic string, items []TopicItem) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	entries, ok := b.topics[topic]
	if !ok {
		entries = make(map[string][]byte)
		b.topics[topic] = entries
	}
	for _, item := range items {
		if item.Deleted {
			delete(entries, item.Key)
		} else {
			entries[item.Key] = item.Value
		}
	}
	subs := append([]*localSubscriber{}, b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if s == from || !s.registered(topic) {
			continue
		}
		s.mu.Lock()
		s.pending[topic] = append(s.pending[topic], items...)
		s.mu.Unlock()
	}
}

// snapshot returns the full current content of a topic.
func (b *LocalBus) snapshot(topic string) []TopicItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	var items []TopicItem
	for k, v := range b.topics[topic] {
		items = append(items, TopicItem{Key: k, Value: v})
	}
	return items
}

type localSubscriber struct {
	id  string
	bus *LocalBus

	mu        sync.Mutex
	started   bool
	callbacks map[string]UpdateCallback // immutable once started
	pending   map[string][]TopicItem
	needsFull map[string]bool
}

func (s *localSubscriber) AddTopic(topic string, cb UpdateCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Errorf("subscriber %s already started; cannot add topic %s", s.id, topic)
	}
	if _, ok := s.callbacks[topic]; ok {
		return errors.Errorf("subscriber %s already registered for topic %s", s.id, topic)
	}
	s.callbacks[topic] = cb
	s.needsFull[topic] = true
	return nil
}

func (s *localSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	log.Debugf("Statestore subscriber %s started with %d topics", s.id, len(s.callbacks))
	return nil
}

func (s *localSubscriber) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[0:i], b.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *localSubscriber) registered(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	_, ok := s.callbacks[topic]
	return ok
}

// deliver runs one heartbeat for this subscriber across its topics.
func (s *localSubscriber) deliver() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	// callbacks is immutable after Start so ranging without the lock is safe.
	for topic, cb := range s.callbacks {
		s.mu.Lock()
		full := s.needsFull[topic]
		pend := s.pending[topic]
		s.needsFull[topic] = false
		s.pending[topic] = nil
		s.mu.Unlock()

		incoming := TopicDelta{Topic: topic, Items: pend, IsDelta: true}
		if full {
			// Values are snapshots keyed by sender, so an item that raced
			// onto both the full read and a later delta is harmless.
			incoming = TopicDelta{Topic: topic, Items: s.bus.snapshot(topic), IsDelta: false}
		}

		var outgoing []TopicItem
		cb(incoming, &outgoing)
		s.bus.publish(s, topic, outgoing)
	}
}

var _ Subscriber = (*localSubscriber)(nil)
