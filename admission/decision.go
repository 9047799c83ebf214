package admission

import (
	"fmt"
	"math"

	"github.com/jbapple/impala/requestpool"
)

// Rejection and queue reason strings. These end up verbatim in error
// statuses, profiles and the debug pages.
const (
	reasonDisabledRequestsLimit   = "disabled by requests limit set to 0"
	reasonDisabledMaxMemResources = "disabled by pool max mem resources set to 0"
	reasonNoExecutors             = "the query was not scheduled on any executors; the cluster may have no live backends"
)

// canAccommodateMaxInitialReservation checks that the per-backend memory
// limit the query will run with leaves room for its largest initial buffer
// reservation. When it doesn't, the reason names which knob to adjust:
// the pool max limit, the user's mem_limit, the pool min limit, or the
// clamp option that kept the pool min from applying.
func canAccommodateMaxInitialReservation(s *QuerySchedule, cfg requestpool.PoolConfig) (bool, string) {
	perBackendLimit := s.PerBackendMemLimit()
	if perBackendLimit < 0 {
		return true, ""
	}
	largest := s.LargestMinReservation
	if maxReservationFromMemLimit(perBackendLimit) >= largest {
		return true, ""
	}
	required := minMemLimitFromReservation(largest)
	base := fmt.Sprintf("minimum memory reservation is greater than memory available to the "+
		"query for buffer reservations. Memory reservation needed given the current plan: %s. ",
		bytesString(largest))

	clamped := !s.HasMemLimit() || cfg.ClampMemLimitQueryOption
	switch {
	case clamped && cfg.MaxQueryMemLimit > 0 && required > cfg.MaxQueryMemLimit:
		return false, base + fmt.Sprintf(
			"Increase the max_query_mem_limit pool config (currently %s) to at least %s.",
			bytesString(cfg.MaxQueryMemLimit), bytesString(required))
	case s.HasMemLimit() && cfg.MinQueryMemLimit == 0:
		return false, base + fmt.Sprintf(
			"Increase the mem_limit query option (currently %s) to at least %s.",
			bytesString(s.MemLimit), bytesString(required))
	case s.HasMemLimit() && cfg.MinQueryMemLimit > 0 && !cfg.ClampMemLimitQueryOption:
		return false, base + fmt.Sprintf(
			"Increase the mem_limit query option (currently %s) to at least %s; the pool's "+
				"min_query_mem_limit is not enforced on mem_limit because "+
				"clamp_mem_limit_query_option is false.",
			bytesString(s.MemLimit), bytesString(required))
	default:
		return false, base + fmt.Sprintf(
			"Increase the min_query_mem_limit pool config (currently %s) to at least %s.",
			bytesString(cfg.MinQueryMemLimit), bytesString(required))
	}
}

// hasAvailableMemResources checks that the pool's aggregate ceiling and
// every participating backend can take the query's memory. Caller must
// hold the controller lock.
func (c *AdmissionController) hasAvailableMemResources(s *QuerySchedule,
	cfg requestpool.PoolConfig, clusterSize int64, stats *poolStats) (bool, string) {

	// The pool's aggregate cluster-wide ceiling first.
	poolMaxMem := maxMemForPool(cfg, clusterSize)
	if poolMaxMem >= 0 {
		clusterMemToAdmit := s.ClusterMemToAdmit()
		effective := stats.effectiveMemReserved()
		if effective+clusterMemToAdmit > poolMaxMem {
			return false, fmt.Sprintf(
				"Not enough aggregate memory available in pool %s with max mem resources %s (%s). "+
					"Needed %s but only %s was available.",
				s.RequestPool, bytesString(poolMaxMem), maxMemForPoolDescription(cfg, clusterSize),
				bytesString(clusterMemToAdmit), bytesString(poolMaxMem-effective))
		}
	}

	// Then each backend's process limit, against the max of what gossip
	// reports reserved there and what this coordinator admitted there.
	perBackend := s.PerBackendMemToAdmit()
	for _, node := range s.Executors {
		host := string(node.Id())
		effectiveHostMem := maxInt64(c.hostMemReserved[host], c.hostMemAdmitted[host])
		if effectiveHostMem+perBackend > node.ProcMemLimit() {
			return false, fmt.Sprintf(
				"Not enough memory available on host %s. Needed %s but only %s out of %s was available.",
				host, bytesString(perBackend),
				bytesString(node.ProcMemLimit()-effectiveHostMem), bytesString(node.ProcMemLimit()))
		}
	}
	return true, ""
}

// canAdmitRequest decides whether the query can be admitted right now.
// admitFromQueue is true when the dequeue loop is evaluating the head of
// the pool's queue; a fresh submission must instead wait behind any
// already-queued requests. Caller must hold the controller lock.
func (c *AdmissionController) canAdmitRequest(s *QuerySchedule, cfg requestpool.PoolConfig,
	clusterSize int64, admitFromQueue bool, stats *poolStats) (bool, string) {

	if ok, reason := isPoolConfigValidForCluster(cfg, clusterSize, stats.aggNumQueued); !ok {
		return false, reason
	}
	maxRequests := maxRequestsForPool(cfg, clusterSize)
	if maxRequests >= 0 && stats.aggNumRunning >= maxRequests {
		return false, fmt.Sprintf("number of running queries %v is at or over limit %v (%s)",
			stats.aggNumRunning, maxRequests, maxRequestsForPoolDescription(cfg, clusterSize))
	}
	if !admitFromQueue && stats.aggNumQueued > 0 {
		return false, fmt.Sprintf("queue is not empty (size %v); queued queries are executed first",
			stats.aggNumQueued)
	}
	return c.hasAvailableMemResources(s, cfg, clusterSize, stats)
}

// rejectImmediately decides whether the request can never be admitted
// under the current configuration and load, e.g. it needs more memory
// than the pool could ever provide or the queue is full. Caller must hold
// the controller lock.
func (c *AdmissionController) rejectImmediately(s *QuerySchedule, cfg requestpool.PoolConfig,
	clusterSize int64, stats *poolStats) (bool, string) {

	if poolDisabled(cfg) {
		if cfg.MaxRequests == 0 && cfg.MaxRunningQueriesMultiple == 0 {
			return true, reasonDisabledRequestsLimit
		}
		return true, reasonDisabledMaxMemResources
	}
	if ok, reason := isPoolConfigValidForCluster(cfg, clusterSize, stats.aggNumQueued); !ok {
		return true, reason
	}
	maxMem := maxMemForPool(cfg, clusterSize)
	if maxMem >= 0 && s.ClusterMemToAdmit() > maxMem {
		return true, fmt.Sprintf(
			"request memory needed %s is greater than pool max mem resources %s (%s).\n\n"+
				"Use the MEM_LIMIT query option to indicate how much memory is required per node. "+
				"The total memory needed is the per-node MEM_LIMIT times the number of nodes "+
				"executing the query.",
			bytesString(s.ClusterMemToAdmit()), bytesString(maxMem),
			maxMemForPoolDescription(cfg, clusterSize))
	}
	perBackend := s.PerBackendMemToAdmit()
	for _, node := range s.Executors {
		if perBackend > node.ProcMemLimit() {
			return true, fmt.Sprintf(
				"request memory needed %s per node is greater than process mem limit %s of %s.\n\n"+
					"Use the MEM_LIMIT query option to indicate how much memory is required per node.",
				bytesString(perBackend), bytesString(node.ProcMemLimit()), node.Id())
		}
	}
	if ok, reason := canAccommodateMaxInitialReservation(s, cfg); !ok {
		return true, reason
	}
	maxQueued := maxQueuedForPool(cfg, clusterSize)
	if stats.aggNumQueued >= maxQueued {
		return true, fmt.Sprintf("queue full, limit=%v, num_queued=%v", maxQueued, stats.aggNumQueued)
	}
	if len(s.Executors) == 0 {
		return true, reasonNoExecutors
	}
	return false, ""
}

// getMaxToDequeue bounds how many requests the dequeue loop may admit from
// one pool in a single pass. Every coordinator wakes on the same
// statestore delivery, so each dequeues only a share proportional to its
// portion of the pool's total queue; otherwise a large simultaneous
// release would overadmit cluster-wide. Returns 0 when no spare capacity
// can be computed.
//
// When Qagg is large but the other coordinators' queued requests cannot
// actually fit elsewhere, the proportional share can starve this pool for
// a while. Longstanding behavior, kept as-is.
func (c *AdmissionController) getMaxToDequeue(queue *requestQueue, stats *poolStats,
	cfg requestpool.PoolConfig, clusterSize int64) int64 {

	maxRequests := maxRequestsForPool(cfg, clusterSize)
	if maxRequests < 0 {
		return queue.size()
	}
	totalAvailable := maxRequests - stats.aggNumRunning
	if totalAvailable <= 0 {
		return 0
	}
	queueSizeRatio := float64(stats.localStats.NumQueued) / float64(maxInt64(1, stats.aggNumQueued))
	return maxInt64(1, int64(math.Ceil(queueSizeRatio*float64(totalAvailable))))
}
