package admission

import (
	log "github.com/sirupsen/logrus"

	"github.com/jbapple/impala/common/stats"
	"github.com/jbapple/impala/requestpool"
)

const (
	// Peak-memory histogram: histogramBinCount bins of histogramBinSize
	// each; the last bin absorbs everything larger.
	histogramBinCount = 128
	histogramBinSize  = gigabyte

	// Weight of the newest observation in the queue wait time moving
	// average.
	emaMultiplier = 0.2
)

// poolStatsSnapshot is the per-(pool, coordinator) record gossiped over
// the statestore. NumAdmittedRunning and NumQueued describe this
// coordinator's admission decisions; BackendMemReserved and
// BackendMemUsage describe this backend's execution-side memory.
type poolStatsSnapshot struct {
	NumAdmittedRunning int64 `json:"num_admitted_running"`
	NumQueued          int64 `json:"num_queued"`
	BackendMemReserved int64 `json:"backend_mem_reserved"`
	BackendMemUsage    int64 `json:"backend_mem_usage"`
}

// poolStats is the admission accounting for one pool on this coordinator.
// All access is protected by the controller lock.
//
// The fields form three bands with different freshness:
//   - aggNumRunning, aggNumQueued, localMemAdmitted and localStats are
//     updated eagerly by admit/release/queue/dequeue and are correct for
//     this coordinator's own decisions immediately;
//   - localStats.BackendMemReserved/BackendMemUsage are refreshed lazily
//     from the mem tracker just before publication;
//   - aggNumRunning, aggNumQueued and aggMemReserved are overwritten from
//     local + remote snapshots on every statestore delivery, after which
//     they include the rest of the cluster.
type poolStats struct {
	name   string
	parent *AdmissionController

	aggNumRunning    int64
	aggNumQueued     int64
	aggMemReserved   int64
	localMemAdmitted int64

	localStats  poolStatsSnapshot
	remoteStats map[string]poolStatsSnapshot

	peakMemHistogram [histogramBinCount]int64
	waitTimeMsEma    float64

	metrics poolMetrics
}

type poolMetrics struct {
	totalAdmitted stats.Counter
	totalRejected stats.Counter
	totalQueued   stats.Counter
	totalDequeued stats.Counter // does not include timeouts
	totalTimedOut stats.Counter
	totalReleased stats.Counter
	timeInQueueMs stats.Counter

	aggNumRunning    stats.Gauge
	aggNumQueued     stats.Gauge
	aggMemReserved   stats.Gauge
	localMemAdmitted stats.Gauge

	localNumAdmittedRunning stats.Gauge
	localNumQueued          stats.Gauge
	localBackendMemReserved stats.Gauge
	localBackendMemUsage    stats.Gauge

	poolMaxRequests          stats.Gauge
	poolMaxQueued            stats.Gauge
	poolMaxMemResources      stats.Gauge
	poolMinQueryMemLimit     stats.Gauge
	poolMaxQueryMemLimit     stats.Gauge
	poolClampMemLimitOption  stats.Gauge
	maxRunningQueriesMultiple stats.GaugeFloat
	maxQueuedQueriesMultiple  stats.GaugeFloat
	maxMemoryMultiple         stats.Gauge

	maxRunningQueriesDerived stats.Gauge
	maxQueuedQueriesDerived  stats.Gauge
	maxMemoryDerived         stats.Gauge
}

func newPoolStats(parent *AdmissionController, name string) *poolStats {
	p := &poolStats{
		name:        name,
		parent:      parent,
		remoteStats: make(map[string]poolStatsSnapshot),
	}
	p.initMetrics(parent.stat.Scope("pool", name))
	return p
}

func (p *poolStats) initMetrics(stat stats.StatsReceiver) {
	m := &p.metrics
	m.totalAdmitted = stat.Counter("totalAdmitted")
	m.totalRejected = stat.Counter("totalRejected")
	m.totalQueued = stat.Counter("totalQueued")
	m.totalDequeued = stat.Counter("totalDequeued")
	m.totalTimedOut = stat.Counter("totalTimedOut")
	m.totalReleased = stat.Counter("totalReleased")
	m.timeInQueueMs = stat.Counter("timeInQueueMs")

	m.aggNumRunning = stat.Gauge("aggNumRunning")
	m.aggNumQueued = stat.Gauge("aggNumQueued")
	m.aggMemReserved = stat.Gauge("aggMemReserved")
	m.localMemAdmitted = stat.Gauge("localMemAdmitted")

	m.localNumAdmittedRunning = stat.Gauge("localNumAdmittedRunning")
	m.localNumQueued = stat.Gauge("localNumQueued")
	m.localBackendMemReserved = stat.Gauge("localBackendMemReserved")
	m.localBackendMemUsage = stat.Gauge("localBackendMemUsage")

	m.poolMaxRequests = stat.Gauge("poolMaxRequests")
	m.poolMaxQueued = stat.Gauge("poolMaxQueued")
	m.poolMaxMemResources = stat.Gauge("poolMaxMemResources")
	m.poolMinQueryMemLimit = stat.Gauge("poolMinQueryMemLimit")
	m.poolMaxQueryMemLimit = stat.Gauge("poolMaxQueryMemLimit")
	m.poolClampMemLimitOption = stat.Gauge("poolClampMemLimitQueryOption")
	m.maxRunningQueriesMultiple = stat.GaugeFloat("poolMaxRunningQueriesMultiple")
	m.maxQueuedQueriesMultiple = stat.GaugeFloat("poolMaxQueuedQueriesMultiple")
	m.maxMemoryMultiple = stat.Gauge("poolMaxMemoryMultiple")

	m.maxRunningQueriesDerived = stat.Gauge("poolMaxRunningQueriesDerived")
	m.maxQueuedQueriesDerived = stat.Gauge("poolMaxQueuedQueriesDerived")
	m.maxMemoryDerived = stat.Gauge("poolMaxMemoryDerived")
}

// effectiveMemReserved is the value admission decisions use for this
// pool's consumed memory. The max guards against staleness in both
// directions: local admissions count immediately through
// localMemAdmitted, remote reservations arrive later through
// aggMemReserved, and taking the max ensures neither is underaccounted.
func (p *poolStats) effectiveMemReserved() int64 {
	return maxInt64(p.aggMemReserved, p.localMemAdmitted)
}

// markDirty schedules this pool's localStats for the next publication.
func (p *poolStats) markDirty() {
	p.parent.poolsForUpdates[p.name] = struct{}{}
}

// admit accounts for an admitted query.
func (p *poolStats) admit(s *QuerySchedule) {
	clusterMem := s.ClusterMemToAdmit()
	p.aggNumRunning++
	p.localMemAdmitted += clusterMem
	p.localStats.NumAdmittedRunning++
	p.metrics.totalAdmitted.Inc(1)
	p.metrics.aggNumRunning.Update(p.aggNumRunning)
	p.metrics.localMemAdmitted.Update(p.localMemAdmitted)
	p.metrics.localNumAdmittedRunning.Update(p.localStats.NumAdmittedRunning)
	p.markDirty()
}

// release accounts for a completed query and records its peak memory.
func (p *poolStats) release(s *QuerySchedule, peakMemConsumption int64) {
	p.aggNumRunning--
	p.localMemAdmitted -= s.ClusterMemToAdmit()
	p.localStats.NumAdmittedRunning--
	p.metrics.totalReleased.Inc(1)
	p.metrics.aggNumRunning.Update(p.aggNumRunning)
	p.metrics.localMemAdmitted.Update(p.localMemAdmitted)
	p.metrics.localNumAdmittedRunning.Update(p.localStats.NumAdmittedRunning)

	bin := peakMemConsumption / histogramBinSize
	if bin < 0 {
		bin = 0
	}
	if bin >= histogramBinCount {
		bin = histogramBinCount - 1
	}
	p.peakMemHistogram[bin]++
	p.markDirty()
}

// queue accounts for a newly parked request.
func (p *poolStats) queue() {
	p.aggNumQueued++
	p.localStats.NumQueued++
	p.metrics.totalQueued.Inc(1)
	p.metrics.aggNumQueued.Update(p.aggNumQueued)
	p.metrics.localNumQueued.Update(p.localStats.NumQueued)
	p.markDirty()
}

// dequeue accounts for a request leaving the queue for any reason.
func (p *poolStats) dequeue(timedOut bool) {
	p.aggNumQueued--
	p.localStats.NumQueued--
	if timedOut {
		p.metrics.totalTimedOut.Inc(1)
	} else {
		p.metrics.totalDequeued.Inc(1)
	}
	p.metrics.aggNumQueued.Update(p.aggNumQueued)
	p.metrics.localNumQueued.Update(p.localStats.NumQueued)
	p.markDirty()
}

// rejected bumps the rejection counter. Rejections touch no other state.
func (p *poolStats) rejected() {
	p.metrics.totalRejected.Inc(1)
}

// updateWaitTime folds one queue wait into the moving average and the
// cumulative time-in-queue counter.
func (p *poolStats) updateWaitTime(waitTimeMs int64) {
	p.waitTimeMsEma = float64(waitTimeMs)*emaMultiplier + p.waitTimeMsEma*(1-emaMultiplier)
	p.metrics.timeInQueueMs.Inc(waitTimeMs)
}

// updateMemTrackerStats refreshes the lazily maintained backend memory
// values from the mem tracker. Called right before publishing.
func (p *poolStats) updateMemTrackerStats() {
	p.localStats.BackendMemReserved = p.parent.memTracker.PoolMemReserved(p.name)
	p.localStats.BackendMemUsage = p.parent.memTracker.PoolMemUsage(p.name)
	p.metrics.localBackendMemReserved.Update(p.localStats.BackendMemReserved)
	p.metrics.localBackendMemUsage.Update(p.localStats.BackendMemUsage)
}

// updateRemoteStats replaces or removes the snapshot for one remote
// coordinator; nil means a topic deletion.
func (p *poolStats) updateRemoteStats(coordinatorId string, snapshot *poolStatsSnapshot) {
	if snapshot == nil {
		log.Debugf("Removing remote stats of %s for pool %s", coordinatorId, p.name)
		delete(p.remoteStats, coordinatorId)
		return
	}
	p.remoteStats[coordinatorId] = *snapshot
}

// clearRemoteStats drops all remote snapshots, e.g. before applying a full
// (non-delta) topic update.
func (p *poolStats) clearRemoteStats() {
	p.remoteStats = make(map[string]poolStatsSnapshot)
}

// updateAggregates recomputes the aggregate band from localStats plus all
// remote snapshots. Each contributor's BackendMemReserved is also added to
// hostMemReserved under its host id, so that calling this over all pools
// rebuilds the per-host reserved map.
func (p *poolStats) updateAggregates(hostMemReserved map[string]int64) {
	numRunning := p.localStats.NumAdmittedRunning
	numQueued := p.localStats.NumQueued
	memReserved := p.localStats.BackendMemReserved
	hostMemReserved[p.parent.config.CoordinatorId] += p.localStats.BackendMemReserved

	for coordinatorId, remote := range p.remoteStats {
		numRunning += remote.NumAdmittedRunning
		numQueued += remote.NumQueued
		memReserved += remote.BackendMemReserved
		hostMemReserved[coordinatorId] += remote.BackendMemReserved
	}

	if numRunning != p.aggNumRunning || numQueued != p.aggNumQueued || memReserved != p.aggMemReserved {
		log.Debugf("Pool %s aggregates updated: num_running=%v num_queued=%v mem_reserved=%s",
			p.name, numRunning, numQueued, bytesString(memReserved))
	}
	p.aggNumRunning = numRunning
	p.aggNumQueued = numQueued
	p.aggMemReserved = memReserved
	p.metrics.aggNumRunning.Update(p.aggNumRunning)
	p.metrics.aggNumQueued.Update(p.aggNumQueued)
	p.metrics.aggMemReserved.Update(p.aggMemReserved)
}

// updateConfigMetrics mirrors the pool's configured knobs into gauges.
func (p *poolStats) updateConfigMetrics(cfg requestpool.PoolConfig) {
	m := &p.metrics
	m.poolMaxRequests.Update(cfg.MaxRequests)
	m.poolMaxQueued.Update(cfg.MaxQueued)
	m.poolMaxMemResources.Update(cfg.MaxMemResources)
	m.poolMinQueryMemLimit.Update(cfg.MinQueryMemLimit)
	m.poolMaxQueryMemLimit.Update(cfg.MaxQueryMemLimit)
	clamp := int64(0)
	if cfg.ClampMemLimitQueryOption {
		clamp = 1
	}
	m.poolClampMemLimitOption.Update(clamp)
	m.maxRunningQueriesMultiple.Update(cfg.MaxRunningQueriesMultiple)
	m.maxQueuedQueriesMultiple.Update(cfg.MaxQueuedQueriesMultiple)
	m.maxMemoryMultiple.Update(cfg.MaxMemoryMultiple)
}

// updateDerivedMetrics mirrors the limits as resolved for the current
// cluster size.
func (p *poolStats) updateDerivedMetrics(cfg requestpool.PoolConfig, clusterSize int64) {
	p.metrics.maxRunningQueriesDerived.Update(maxRequestsForPool(cfg, clusterSize))
	p.metrics.maxQueuedQueriesDerived.Update(maxQueuedForPool(cfg, clusterSize))
	p.metrics.maxMemoryDerived.Update(maxMemForPool(cfg, clusterSize))
}

// resetInformationalStats clears the totals, the peak memory histogram and
// the wait time average, leaving the live accounting untouched.
func (p *poolStats) resetInformationalStats() {
	p.metrics.totalAdmitted.Clear()
	p.metrics.totalRejected.Clear()
	p.metrics.totalQueued.Clear()
	p.metrics.totalDequeued.Clear()
	p.metrics.totalTimedOut.Clear()
	p.metrics.totalReleased.Clear()
	p.metrics.timeInQueueMs.Clear()
	p.peakMemHistogram = [histogramBinCount]int64{}
	p.waitTimeMsEma = 0
}
