package statestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd-backed bus.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string        // key namespace, e.g. "/impala/statestore"
	Heartbeat   time.Duration // delivery interval
	DialTimeout time.Duration
	OpTimeout   time.Duration // per put/get/delete
}

func (c *EtcdConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/impala/statestore"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
}

// EtcdSubscriber is a statestore Subscriber backed by etcd: topic items map
// to keys under Prefix/topic/, remote changes arrive through a watch, and
// deliveries happen on the heartbeat ticker. The first delivery after a
// (re)connect is a full topic read so consumers can rebuild their view.
type EtcdSubscriber struct {
	id     string
	cfg    EtcdConfig
	client *clientv3.Client

	mu        sync.Mutex
	started   bool
	callbacks map[string]UpdateCallback // immutable once started
	pending   map[string][]TopicItem
	needsFull map[string]bool
	ownKeys   map[string]bool

	closer chan struct{}
	once   sync.Once
}

// NewEtcdSubscriber connects to etcd, retrying with exponential backoff.
func NewEtcdSubscriber(id string, cfg EtcdConfig) (*EtcdSubscriber, error) {
	cfg.applyDefaults()
	var client *clientv3.Client
	connect := func() error {
		var err error
		client, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
		})
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	if err := backoff.Retry(connect, b); err != nil {
		return nil, errors.Wrapf(err, "connecting to etcd at %v", cfg.Endpoints)
	}
	log.Infof("Statestore subscriber %s connected to etcd at %v", id, cfg.Endpoints)
	return &EtcdSubscriber{
		id:        id,
		cfg:       cfg,
		client:    client,
		callbacks: make(map[string]UpdateCallback),
		pending:   make(map[string][]TopicItem),
		needsFull: make(map[string]bool),
		ownKeys:   make(map[string]bool),
		closer:    make(chan struct{}),
	}, nil
}

func (s *EtcdSubscriber) AddTopic(topic string, cb UpdateCallback) error {
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

func (s *EtcdSubscriber) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Errorf("subscriber %s already started", s.id)
	}
	s.started = true
	topics := make([]string, 0, len(s.callbacks))
	for t := range s.callbacks {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		go s.watchLoop(topic)
	}
	go s.heartbeatLoop()
	return nil
}

func (s *EtcdSubscriber) Close() error {
	s.once.Do(func() { close(s.closer) })
	return s.client.Close()
}

func (s *EtcdSubscriber) topicPrefix(topic string) string {
	return s.cfg.Prefix + "/" + topic + "/"
}

// watchLoop accumulates remote changes for one topic, reconnecting the
// watch with backoff and forcing a full read after any interruption.
func (s *EtcdSubscriber) watchLoop(topic string) {
	prefix := s.topicPrefix(topic)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // keep retrying until Close
	for {
		select {
		case <-s.closer:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.closer:
				cancel()
			case <-ctx.Done():
			}
		}()
		wch := s.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for resp := range wch {
			if resp.Err() != nil {
				log.WithError(resp.Err()).Warnf("Watch error on topic %s", topic)
				break
			}
			b.Reset()
			s.enqueueEvents(topic, prefix, resp.Events)
		}
		cancel()

		select {
		case <-s.closer:
			return
		case <-time.After(b.NextBackOff()):
		}
		// The watch dropped; anything could have changed meanwhile.
		s.mu.Lock()
		s.needsFull[topic] = true
		s.pending[topic] = nil
		s.mu.Unlock()
	}
}

func (s *EtcdSubscriber) enqueueEvents(topic, prefix string, events []*clientv3.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		key := string(ev.Kv.Key)
		if s.ownKeys[key] {
			continue
		}
		item := TopicItem{
			Key:     strings.TrimPrefix(key, prefix),
			Value:   ev.Kv.Value,
			Deleted: ev.Type == mvccpb.DELETE,
		}
		s.pending[topic] = append(s.pending[topic], item)
	}
}

func (s *EtcdSubscriber) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer:
			return
		case <-ticker.C:
			for topic, cb := range s.callbacks {
				s.deliver(topic, cb)
			}
		}
	}
}

func (s *EtcdSubscriber) deliver(topic string, cb UpdateCallback) {
	s.mu.Lock()
	full := s.needsFull[topic]
	pend := s.pending[topic]
	s.needsFull[topic] = false
	s.pending[topic] = nil
	s.mu.Unlock()

	incoming := TopicDelta{Topic: topic, Items: pend, IsDelta: true}
	if full {
		items, err := s.readTopic(topic)
		if err != nil {
			log.WithError(err).Warnf("Full read of topic %s failed; will retry next heartbeat", topic)
			s.mu.Lock()
			s.needsFull[topic] = true
			s.mu.Unlock()
			return
		}
		incoming = TopicDelta{Topic: topic, Items: items, IsDelta: false}
	}

	var outgoing []TopicItem
	cb(incoming, &outgoing)
	s.publish(topic, outgoing)
}

func (s *EtcdSubscriber) readTopic(topic string) ([]TopicItem, error) {
	prefix := s.topicPrefix(topic)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []TopicItem
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if s.ownKeys[key] {
			continue
		}
		items = append(items, TopicItem{Key: strings.TrimPrefix(key, prefix), Value: kv.Value})
	}
	return items, nil
}

func (s *EtcdSubscriber) publish(topic string, items []TopicItem) {
	prefix := s.topicPrefix(topic)
	for _, item := range items {
		key := prefix + item.Key
		s.mu.Lock()
		s.ownKeys[key] = true
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
		var err error
		if item.Deleted {
			_, err = s.client.Delete(ctx, key)
		} else {
			_, err = s.client.Put(ctx, key, string(item.Value))
		}
		cancel()
		if err != nil {
			// The value will go out on a later heartbeat once the consumer
			// marks the pool dirty again; don't block the loop.
			log.WithError(err).Warnf("Publishing %s to topic %s failed", item.Key, topic)
		}
	}
}

var _ Subscriber = (*EtcdSubscriber)(nil)
