package admission

import (
	"github.com/jbapple/impala/requestpool"
)

// PoolJson is the introspection view of one pool, served on the debug
// pages. Fields mirror the accounting bands plus the pool's configured
// and derived limits.
type PoolJson struct {
	PoolName         string `json:"pool_name"`
	AggNumRunning    int64  `json:"agg_num_running"`
	AggNumQueued     int64  `json:"agg_num_queued"`
	AggMemReserved   int64  `json:"agg_mem_reserved"`
	LocalMemAdmitted int64  `json:"local_mem_admitted"`

	LocalStats  poolStatsSnapshot            `json:"local_stats"`
	RemoteStats map[string]poolStatsSnapshot `json:"remote_stats"`

	PoolConfig requestpool.PoolConfig `json:"pool_config"`

	// The limits as resolved for the current cluster size.
	MaxRequestsDerived int64 `json:"max_requests_derived"`
	MaxQueuedDerived   int64 `json:"max_queued_derived"`
	MaxMemDerived      int64 `json:"max_mem_derived"`

	// Histogram of peak memory of released queries, as pairs of
	// (bin start in bytes, count), trimmed at the last non-zero bin.
	PeakMemHistogram [][2]int64 `json:"peak_mem_histogram"`

	WaitTimeMsEma float64 `json:"wait_time_ms_ema"`

	LocalQueueSize int64 `json:"local_queue_size"`

	// Why the head of the queue is still waiting, if anything is queued.
	HeadInitialQueueReason string `json:"head_initial_queue_reason,omitempty"`
	HeadLastQueueReason    string `json:"head_last_queue_reason,omitempty"`

	StalenessWarning string `json:"staleness_warning,omitempty"`
}

// PoolToJson returns the introspection view of one pool, or ok=false if
// this coordinator has no stats for it: no submission here and no
// statestore update naming it.
func (c *AdmissionController) PoolToJson(pool string) (PoolJson, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	poolStats, ok := c.poolStatsMap[pool]
	if !ok {
		return PoolJson{}, false
	}
	return c.poolToJsonLocked(pool, poolStats), true
}

// AllPoolsToJson returns the introspection view of every pool this
// coordinator has stats for, from a local submission or a statestore
// update.
func (c *AdmissionController) AllPoolsToJson() []PoolJson {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PoolJson, 0, len(c.poolStatsMap))
	for pool, poolStats := range c.poolStatsMap {
		out = append(out, c.poolToJsonLocked(pool, poolStats))
	}
	return out
}

func (c *AdmissionController) poolToJsonLocked(pool string, stats *poolStats) PoolJson {
	clusterSize := c.clusterSize()
	cfg := c.poolConfigMap[pool]

	remote := make(map[string]poolStatsSnapshot, len(stats.remoteStats))
	for coordinator, snapshot := range stats.remoteStats {
		remote[coordinator] = snapshot
	}

	var histogram [][2]int64
	lastNonZero := -1
	for i, count := range stats.peakMemHistogram {
		if count > 0 {
			lastNonZero = i
		}
	}
	for i := 0; i <= lastNonZero; i++ {
		histogram = append(histogram, [2]int64{int64(i) * histogramBinSize, stats.peakMemHistogram[i]})
	}

	p := PoolJson{
		PoolName:           pool,
		AggNumRunning:      stats.aggNumRunning,
		AggNumQueued:       stats.aggNumQueued,
		AggMemReserved:     stats.aggMemReserved,
		LocalMemAdmitted:   stats.localMemAdmitted,
		LocalStats:         stats.localStats,
		RemoteStats:        remote,
		PoolConfig:         cfg,
		MaxRequestsDerived: maxRequestsForPool(cfg, clusterSize),
		MaxQueuedDerived:   maxQueuedForPool(cfg, clusterSize),
		MaxMemDerived:      maxMemForPool(cfg, clusterSize),
		PeakMemHistogram:   histogram,
		WaitTimeMsEma:      stats.waitTimeMsEma,
		StalenessWarning:   c.getStalenessDetailLocked(""),
	}
	if queue, ok := c.requestQueues[pool]; ok {
		p.LocalQueueSize = queue.size()
		if head := queue.head(); head != nil {
			p.HeadInitialQueueReason = head.initialQueueReason
			p.HeadLastQueueReason = head.lastQueueReason
		}
	}
	return p
}
