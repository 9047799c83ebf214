// Package statestore carries soft state between coordinators over a
// publish/subscribe bus. Topics hold opaque values under string keys; on
// every heartbeat each subscriber's callback receives the changes to its
// topics since the last delivery and may append its own outgoing items.
//
// The bus guarantees neither ordering across subscribers nor freshness:
// consumers are expected to treat the delivered state as an approximation
// and reconcile on every tick.
package statestore

// TopicItem is one entry of a topic: an opaque value under a key, or a
// deletion tombstone for the key.
type TopicItem struct {
	Key     string
	Value   []byte
	Deleted bool
}

// TopicDelta carries the changes to one topic since the last delivery to a
// particular subscriber. When IsDelta is false the items are the entire
// topic and the subscriber must discard its previous view first.
type TopicDelta struct {
	Topic   string
	Items   []TopicItem
	IsDelta bool
}

// UpdateCallback is invoked on every heartbeat for each registered topic,
// with the incoming delta and a slice to append outgoing items to.
// Callbacks must not block on the bus.
type UpdateCallback func(incoming TopicDelta, outgoing *[]TopicItem)

// Subscriber registers per-topic callbacks with a bus.
type Subscriber interface {
	// AddTopic registers cb for topic. Must be called before Start.
	AddTopic(topic string, cb UpdateCallback) error

	// Start begins heartbeat deliveries.
	Start() error

	// Close stops deliveries and releases transport resources.
	Close() error
}
