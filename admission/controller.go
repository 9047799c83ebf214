// Package admission throttles query execution based on available cluster
// resources, configured in one or more request pools. A submitted query is
// admitted for immediate execution, queued for later execution, or
// rejected.
//
// Any coordinator can admit queries, so pool state is shared between
// coordinators through the statestore: every (pool, coordinator) pair is
// published as a topic entry when the pool's local stats change, and
// incoming entries from other coordinators are folded into aggregate
// per-pool and per-host views on every delivery. Decisions are made
// against this slightly stale aggregate, which makes all configured
// thresholds soft limits.
//
// Two accounting mechanisms cover for each other's weakness: memory
// "reserved" comes from the statestore and is correct in the steady state
// but lags; memory "admitted" is updated eagerly for this coordinator's
// own decisions but doesn't see other coordinators. Decisions use the max
// of the two.
package admission

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jbapple/impala/cloud/cluster"
	"github.com/jbapple/impala/common/stats"
	"github.com/jbapple/impala/requestpool"
	"github.com/jbapple/impala/statestore"
)

const (
	// RequestQueueTopic is the statestore topic carrying pool stats.
	RequestQueueTopic = "impala-request-queue"

	// Topic keys look like "<pool_name>!<coordinator_id>". Pool names may
	// themselves contain the delimiter; coordinator ids may not.
	topicKeyDelimiter = "!"

	// Queue wait bound used when the pool config doesn't set one.
	defaultQueueTimeout = 60 * time.Second

	// Admission data is considered stale after this many missed
	// heartbeats.
	stalenessWarningFactor = 2
)

// ErrCancelled is returned by SubmitForAdmission when the caller set the
// outcome to Cancelled while the request was queued.
var ErrCancelled = errors.New("admission cancelled by client")

// Config holds the per-coordinator controller settings.
type Config struct {
	// CoordinatorId identifies this coordinator in topic keys and host
	// accounting, e.g. "host1:25000". Must not contain "!".
	CoordinatorId string

	// StatestoreHeartbeat is the bus delivery interval, used only to
	// decide when the admission state counts as stale.
	StatestoreHeartbeat time.Duration

	// PerBackendPhysicalMem caps any query's per-backend memory at the
	// physical memory of a backend; <= 0 disables the cap.
	PerBackendPhysicalMem int64

	// DefaultQueueTimeout applies to pools without queue_timeout_ms.
	DefaultQueueTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StatestoreHeartbeat <= 0 {
		c.StatestoreHeartbeat = 2 * time.Second
	}
	if c.DefaultQueueTimeout <= 0 {
		c.DefaultQueueTimeout = defaultQueueTimeout
	}
}

// AdmissionController makes the admission decision for every query
// submitted to this coordinator and keeps the pool and host accounting
// that decision needs.
//
// A single mutex protects all mutable state. Admission decisions are
// short and cross pools and hosts, so finer-grained locking would buy
// little and would need multi-lock ordering; the accounting invariants
// also rely on cross-pool updates being atomic.
type AdmissionController struct {
	clusterView cluster.Cluster
	resolver    requestpool.Resolver
	memTracker  MemTracker
	stat        stats.StatsReceiver
	config      Config

	mu          sync.Mutex
	dequeueCond *sync.Cond
	done        bool
	dequeueDone chan struct{}

	// All fields below are protected by mu.
	poolStatsMap    map[string]*poolStats
	poolConfigMap   map[string]requestpool.PoolConfig
	requestQueues   map[string]*requestQueue
	poolsForUpdates map[string]struct{}

	// Per-host aggregates over all pools: memory reported reserved via
	// the statestore, and memory admitted by this coordinator.
	hostMemReserved map[string]int64
	hostMemAdmitted map[string]int64

	lastTopicUpdateTime time.Time
}

// NewAdmissionController creates the controller and starts its dequeue
// worker. Call RegisterWith to attach it to a statestore subscriber and
// Close to retire the worker.
func NewAdmissionController(clusterView cluster.Cluster, resolver requestpool.Resolver,
	memTracker MemTracker, stat stats.StatsReceiver, config Config) *AdmissionController {

	config.applyDefaults()
	c := &AdmissionController{
		clusterView:     clusterView,
		resolver:        resolver,
		memTracker:      memTracker,
		stat:            stat.Scope("admission"),
		config:          config,
		poolStatsMap:    make(map[string]*poolStats),
		poolConfigMap:   make(map[string]requestpool.PoolConfig),
		requestQueues:   make(map[string]*requestQueue),
		poolsForUpdates: make(map[string]struct{}),
		hostMemReserved: make(map[string]int64),
		hostMemAdmitted: make(map[string]int64),
		dequeueDone:     make(chan struct{}),
	}
	c.dequeueCond = sync.NewCond(&c.mu)
	go c.dequeueLoop()
	return c
}

// RegisterWith subscribes the controller to the request queue topic.
func (c *AdmissionController) RegisterWith(sub statestore.Subscriber) error {
	return sub.AddTopic(RequestQueueTopic, c.UpdatePoolStats)
}

// Close retires the dequeue worker and waits for it to exit. Queued
// requests keep waiting until their timeouts; this only happens at
// coordinator shutdown and in tests.
func (c *AdmissionController) Close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
	c.dequeueCond.Broadcast()
	<-c.dequeueDone
}

// SubmitForAdmission submits the query for admission. It returns
// immediately if the query is admitted or rejected, and otherwise blocks
// until the request is admitted, times out, or is cancelled by the caller
// (by setting admitOutcome to Cancelled). The possible outcomes are:
//
//	Admitted:           nil error
//	RejectedOrTimedOut: error carrying the rejection or timeout reason
//	Cancelled:          ErrCancelled
//
// If admitted, ReleaseQuery must be called once the query finishes.
func (c *AdmissionController) SubmitForAdmission(schedule *QuerySchedule, admitOutcome *AdmitOutcome) error {
	if schedule.Profile == nil {
		schedule.Profile = NewProfile()
	}
	pool := schedule.RequestPool
	cfg, err := c.resolver.PoolConfig(pool)
	if err != nil {
		admitOutcome.Set(RejectedOrTimedOut)
		schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, ProfileInfoValRejected)
		return errors.Wrapf(err, "resolving config of pool %q", pool)
	}
	schedule.UpdateMemoryRequirements(cfg, c.config.PerBackendPhysicalMem)
	clusterSize := c.clusterSize()

	c.mu.Lock()
	c.poolConfigMap[pool] = cfg
	poolStats := c.getPoolStats(pool)
	poolStats.updateConfigMetrics(cfg)
	poolStats.updateDerivedMetrics(cfg, clusterSize)

	if reject, reason := c.rejectImmediately(schedule, cfg, clusterSize, poolStats); reject {
		poolStats.rejected()
		schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, ProfileInfoValRejected)
		admitOutcome.Set(RejectedOrTimedOut)
		c.mu.Unlock()
		log.Infof("Rejected query id=%s in pool %s: %s", schedule.QueryId, pool, reason)
		return errors.Errorf("Rejected query from pool %s: %s", pool, reason)
	}

	if ok, notAdmittedReason := c.canAdmitRequest(schedule, cfg, clusterSize, false, poolStats); ok {
		if outcome := admitOutcome.Set(Admitted); outcome != Admitted {
			// The caller cancelled before we could admit; nothing was
			// charged yet.
			c.mu.Unlock()
			log.Infof("Query id=%s cancelled before admission", schedule.QueryId)
			return ErrCancelled
		}
		c.admitQuery(schedule, poolStats, false)
		poolStats.updateWaitTime(0)
		c.mu.Unlock()
		return nil
	} else {
		timeout := time.Duration(cfg.QueueTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = c.config.DefaultQueueTimeout
		}
		node := &queueNode{
			schedule:           schedule,
			admitOutcome:       admitOutcome,
			profile:            schedule.Profile,
			initialQueueReason: notAdmittedReason,
			lastQueueReason:    notAdmittedReason,
			queuedTime:         time.Now(),
		}
		c.getRequestQueue(pool).enqueue(node)
		poolStats.queue()
		schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, ProfileInfoValQueued)
		schedule.Profile.AddInfoString(ProfileInfoKeyInitialQueueReason, notAdmittedReason)
		log.Infof("Queuing query id=%s in pool %s: %s", schedule.QueryId, pool, notAdmittedReason)
		c.dequeueCond.Signal()
		c.mu.Unlock()

		// The only blocking point: wait for the dequeue loop, the
		// canceller, or the timeout, whichever comes first.
		outcome, ok := admitOutcome.Get(timeout)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !ok {
			// Timed out; race against a concurrent admission or
			// cancellation and let the winner stand.
			outcome = admitOutcome.Set(RejectedOrTimedOut)
		}
		waitMs := time.Since(node.queuedTime).Milliseconds()
		poolStats.updateWaitTime(waitMs)
		schedule.Profile.AddInfoString(ProfileInfoKeyInitialQueueReason,
			fmt.Sprintf(ProfileInfoValInitialQueueReason, waitMs, node.initialQueueReason))

		switch outcome {
		case Admitted:
			log.Infof("Admitted queued query id=%s", schedule.QueryId)
			return nil
		case Cancelled:
			if c.getRequestQueue(pool).remove(node) {
				// Still queued: the dequeue loop hasn't accounted for the
				// cancellation, do it here.
				poolStats.dequeue(false)
			}
			schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, ProfileInfoValCancelledInQueue)
			log.Infof("Cancelled queued query id=%s", schedule.QueryId)
			return ErrCancelled
		default:
			c.getRequestQueue(pool).remove(node)
			poolStats.dequeue(true)
			schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, ProfileInfoValTimeOut)
			log.Infof("Timed out queued query id=%s in pool %s", schedule.QueryId, pool)
			return errors.Errorf(
				"admission for query exceeded timeout %vms in pool %s. Latest admission queue reason: %s",
				timeout.Milliseconds(), pool, node.lastQueueReason)
		}
	}
}

// ReleaseQuery updates the accounting when an admitted query completes,
// successfully or not. Does not block.
func (c *AdmissionController) ReleaseQuery(schedule *QuerySchedule, peakMemConsumption int64) {
	c.mu.Lock()
	poolStats := c.getPoolStats(schedule.RequestPool)
	poolStats.release(schedule, peakMemConsumption)
	c.updateHostMemAdmitted(schedule, -schedule.PerBackendMemToAdmit())
	c.dequeueCond.Signal()
	c.mu.Unlock()
	log.Debugf("Released query id=%s in pool %s, peak mem %s",
		schedule.QueryId, schedule.RequestPool, bytesString(peakMemConsumption))
}

// admitQuery charges the query's memory to the pool and its hosts and
// annotates the profile. Caller must hold the lock and must already have
// won the outcome race.
func (c *AdmissionController) admitQuery(schedule *QuerySchedule, poolStats *poolStats, wasQueued bool) {
	log.Debugf("Admitting query id=%s in pool %s: cluster_mem=%s per_backend_mem_limit=%s",
		schedule.QueryId, schedule.RequestPool,
		bytesString(schedule.ClusterMemToAdmit()), bytesString(schedule.PerBackendMemLimit()))
	poolStats.admit(schedule)
	c.updateHostMemAdmitted(schedule, schedule.PerBackendMemToAdmit())
	result := ProfileInfoValAdmitImmediately
	if wasQueued {
		result = ProfileInfoValAdmitQueued
	}
	schedule.Profile.AddInfoString(ProfileInfoKeyAdmissionResult, result)
	schedule.Profile.AddInfoString(ProfileInfoKeyAdmittedMem, bytesString(schedule.ClusterMemToAdmit()))
	if detail := c.getStalenessDetailLocked(""); detail != "" {
		schedule.Profile.AddInfoString(ProfileInfoKeyStalenessWarning, detail)
	}
	// Freed no capacity, but cheap state may have changed (e.g. configs);
	// let the worker re-evaluate the other pools.
	c.dequeueCond.Signal()
}

func (c *AdmissionController) updateHostMemAdmitted(schedule *QuerySchedule, perNodeDelta int64) {
	for _, node := range schedule.Executors {
		c.hostMemAdmitted[string(node.Id())] += perNodeDelta
	}
}

// dequeueLoop is the background worker admitting queued requests whenever
// the controller state changes. Requests are admitted strictly FIFO
// within a pool: if the head cannot be admitted, the pool is skipped
// until the next state change.
func (c *AdmissionController) dequeueLoop() {
	defer close(c.dequeueDone)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.done {
			return
		}
		c.dequeueCond.Wait()
		if c.done {
			return
		}
		clusterSize := c.clusterSize()
		for pool, queue := range c.requestQueues {
			if queue.empty() {
				continue
			}
			poolStats := c.getPoolStats(pool)
			cfg, ok := c.poolConfigMap[pool]
			if !ok {
				// Queued requests always cache their config first.
				log.Errorf("No cached config for pool %s with %v queued requests", pool, queue.size())
				continue
			}
			maxToDequeue := c.getMaxToDequeue(queue, poolStats, cfg, clusterSize)
			for i := int64(0); i < maxToDequeue; i++ {
				node := queue.head()
				if node == nil {
					break
				}
				ok, reason := c.canAdmitRequest(node.schedule, cfg, clusterSize, true, poolStats)
				if !ok {
					logDequeueFailed(node, reason)
					break
				}
				queue.remove(node)
				poolStats.dequeue(false)
				if outcome := node.admitOutcome.Set(Admitted); outcome != Admitted {
					// Lost to cancellation; nothing was charged yet.
					log.Debugf("Dequeued cancelled query id=%s", node.schedule.QueryId)
					continue
				}
				c.admitQuery(node.schedule, poolStats, true)
			}
		}
	}
}

func logDequeueFailed(node *queueNode, reason string) {
	log.Debugf("Could not dequeue query id=%s: %s", node.schedule.QueryId, reason)
	node.lastQueueReason = reason
	node.profile.AddInfoString(ProfileInfoKeyLastQueuedReason, reason)
}

// UpdatePoolStats is the statestore callback: it publishes the local
// stats of every pool that changed since the last heartbeat, applies the
// incoming deltas to the remote stats, and rebuilds the aggregate views.
func (c *AdmissionController) UpdatePoolStats(incoming statestore.TopicDelta, outgoing *[]statestore.TopicItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPoolUpdates(outgoing)
	if !incoming.IsDelta {
		// A full update follows a statestore (re)start; drop every remote
		// view so vanished coordinators don't leave ghost stats behind.
		for _, poolStats := range c.poolStatsMap {
			poolStats.clearRemoteStats()
		}
	}
	c.handleTopicUpdates(incoming.Items)
	c.updateClusterAggregates()
	c.lastTopicUpdateTime = time.Now()
	c.dequeueCond.Signal()
}

// addPoolUpdates serializes the local stats of the dirty pools into
// outgoing topic items. Publish volume is O(changed pools).
func (c *AdmissionController) addPoolUpdates(outgoing *[]statestore.TopicItem) {
	for pool := range c.poolsForUpdates {
		poolStats := c.poolStatsMap[pool]
		poolStats.updateMemTrackerStats()
		value, err := json.Marshal(poolStats.localStats)
		if err != nil {
			log.WithError(err).Errorf("Failed to serialize stats of pool %s", pool)
			continue
		}
		*outgoing = append(*outgoing, statestore.TopicItem{
			Key:   makePoolTopicKey(pool, c.config.CoordinatorId),
			Value: value,
		})
	}
	c.poolsForUpdates = make(map[string]struct{})
}

// handleTopicUpdates folds incoming snapshots and tombstones into the
// per-pool remote stats. Malformed items are logged and skipped; a bad
// peer must not take admission down.
func (c *AdmissionController) handleTopicUpdates(items []statestore.TopicItem) {
	for _, item := range items {
		pool, coordinator, ok := parsePoolTopicKey(item.Key)
		if !ok {
			log.Warnf("Ignoring topic item with malformed key %q", item.Key)
			continue
		}
		if coordinator == c.config.CoordinatorId {
			// Our own update reflected back by the bus.
			continue
		}
		poolStats := c.getPoolStats(pool)
		if item.Deleted {
			poolStats.updateRemoteStats(coordinator, nil)
			continue
		}
		var snapshot poolStatsSnapshot
		if err := json.Unmarshal(item.Value, &snapshot); err != nil {
			log.WithError(err).Warnf("Ignoring undecodable pool stats under key %q", item.Key)
			continue
		}
		poolStats.updateRemoteStats(coordinator, &snapshot)
	}
}

// updateClusterAggregates rebuilds the per-pool aggregates and the
// per-host reserved map from local and remote stats.
func (c *AdmissionController) updateClusterAggregates() {
	hostMemReserved := make(map[string]int64)
	for _, poolStats := range c.poolStatsMap {
		poolStats.updateAggregates(hostMemReserved)
	}
	c.hostMemReserved = hostMemReserved
}

// GetStalenessDetail returns a warning describing how stale the admission
// control state is, or "" if it is fresh. prefix is prepended to a
// non-empty result.
func (c *AdmissionController) GetStalenessDetail(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getStalenessDetailLocked(prefix)
}

func (c *AdmissionController) getStalenessDetailLocked(prefix string) string {
	if c.lastTopicUpdateTime.IsZero() {
		return prefix + "admission control information from statestore is stale: no update has been received."
	}
	staleness := time.Since(c.lastTopicUpdateTime)
	if staleness < stalenessWarningFactor*c.config.StatestoreHeartbeat {
		return ""
	}
	return fmt.Sprintf("%sadmission control information from statestore is stale: %v since last update was received.",
		prefix, staleness.Round(time.Millisecond))
}

// TimeSinceLastUpdate reports how long ago the last statestore delivery
// was processed; ok is false if none ever was.
func (c *AdmissionController) TimeSinceLastUpdate() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTopicUpdateTime.IsZero() {
		return 0, false
	}
	return time.Since(c.lastTopicUpdateTime), true
}

// HostMem is the per-host memory view for the backends debug page.
type HostMem struct {
	MemReserved int64 `json:"mem_reserved"`
	MemAdmitted int64 `json:"mem_admitted"`
}

// PerHostMem returns, for every known host, the memory reserved there
// (from the statestore) and admitted there (by this coordinator).
func (c *AdmissionController) PerHostMem() map[string]HostMem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]HostMem)
	for host, mem := range c.hostMemReserved {
		entry := out[host]
		entry.MemReserved = mem
		out[host] = entry
	}
	for host, mem := range c.hostMemAdmitted {
		entry := out[host]
		entry.MemAdmitted = mem
		out[host] = entry
	}
	return out
}

// ResetPoolInformationalStats clears the pool's totals, histogram and
// wait time average. No-op for unknown pools.
func (c *AdmissionController) ResetPoolInformationalStats(pool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if poolStats, ok := c.poolStatsMap[pool]; ok {
		poolStats.resetInformationalStats()
	}
}

// ResetAllPoolInformationalStats does the same for every pool.
func (c *AdmissionController) ResetAllPoolInformationalStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, poolStats := range c.poolStatsMap {
		poolStats.resetInformationalStats()
	}
}

// getPoolStats returns (creating if needed) the stats of a pool. Caller
// must hold the lock.
func (c *AdmissionController) getPoolStats(pool string) *poolStats {
	p, ok := c.poolStatsMap[pool]
	if !ok {
		p = newPoolStats(c, pool)
		c.poolStatsMap[pool] = p
	}
	return p
}

// getRequestQueue returns (creating if needed) the queue of a pool.
// Caller must hold the lock.
func (c *AdmissionController) getRequestQueue(pool string) *requestQueue {
	q, ok := c.requestQueues[pool]
	if !ok {
		q = &requestQueue{}
		c.requestQueues[pool] = q
	}
	return q
}

// clusterSize returns the live backend count, clamped to 1 so scalable
// configs stay meaningful while membership is empty.
func (c *AdmissionController) clusterSize() int64 {
	size := int64(c.clusterView.Size())
	if size < 1 {
		return 1
	}
	return size
}

func makePoolTopicKey(pool, coordinator string) string {
	return pool + topicKeyDelimiter + coordinator
}

// parsePoolTopicKey splits "<pool>!<coordinator>". Pool names may contain
// the delimiter, coordinator ids may not, so split at the last one.
func parsePoolTopicKey(key string) (pool, coordinator string, ok bool) {
	i := strings.LastIndex(key, topicKeyDelimiter)
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
