package admission

import (
	"math"
	"testing"

	"github.com/jbapple/impala/requestpool"
)

// statsFixture gives tests a poolStats wired to a real controller so
// dirty-marking and mem tracker reads work.
func statsFixture(t *testing.T) (*AdmissionController, *TrackerRegistry, *poolStats) {
	backends := makeBackends(2, 100*gigabyte)
	pools := map[string]requestpool.PoolConfig{
		"q1": {MaxRequests: -1, MaxQueued: 10, MaxMemResources: -1},
	}
	c, tracker := makeController(t, "host1:25000", pools, backends)
	c.mu.Lock()
	p := c.getPoolStats("q1")
	c.mu.Unlock()
	return c, tracker, p
}

func TestPoolStatsAdmitRelease(t *testing.T) {
	c, _, p := statsFixture(t)
	s := makeSchedule("r1", "q1", makeBackends(4, 100*gigabyte), 2*gigabyte, 0)
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 0)

	c.mu.Lock()
	p.admit(s)
	if p.aggNumRunning != 1 || p.localMemAdmitted != 8*gigabyte || p.localStats.NumAdmittedRunning != 1 {
		c.mu.Unlock()
		t.Fatalf("after admit: %+v", p)
	}
	if _, dirty := c.poolsForUpdates["q1"]; !dirty {
		c.mu.Unlock()
		t.Fatalf("admit should mark the pool dirty")
	}

	p.release(s, 3*gigabyte)
	if p.aggNumRunning != 0 || p.localMemAdmitted != 0 || p.localStats.NumAdmittedRunning != 0 {
		c.mu.Unlock()
		t.Fatalf("after release: %+v", p)
	}
	if p.peakMemHistogram[3] != 1 {
		c.mu.Unlock()
		t.Fatalf("peak mem of 3GB should land in bin 3: %v", p.peakMemHistogram[:8])
	}
	c.mu.Unlock()
}

func TestPoolStatsHistogramTail(t *testing.T) {
	c, _, p := statsFixture(t)
	s := makeSchedule("r1", "q1", makeBackends(1, 100*gigabyte), gigabyte, 0)
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.admit(s)
	p.release(s, 4000*gigabyte) // far beyond the last bin
	if p.peakMemHistogram[histogramBinCount-1] != 1 {
		t.Fatalf("oversized peak should land in the last bin")
	}
	p.admit(s)
	p.release(s, -5) // bogus negative peak goes to bin 0
	if p.peakMemHistogram[0] != 1 {
		t.Fatalf("negative peak should land in bin 0")
	}
}

func TestPoolStatsQueueDequeue(t *testing.T) {
	c, _, p := statsFixture(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	p.queue()
	p.queue()
	if p.aggNumQueued != 2 || p.localStats.NumQueued != 2 {
		t.Fatalf("after queueing twice: agg=%v local=%v", p.aggNumQueued, p.localStats.NumQueued)
	}
	p.dequeue(false)
	p.dequeue(true)
	if p.aggNumQueued != 0 || p.localStats.NumQueued != 0 {
		t.Fatalf("after dequeueing: agg=%v local=%v", p.aggNumQueued, p.localStats.NumQueued)
	}
	if p.metrics.totalDequeued.Count() != 1 || p.metrics.totalTimedOut.Count() != 1 {
		t.Fatalf("dequeue counters: dequeued=%v timedOut=%v",
			p.metrics.totalDequeued.Count(), p.metrics.totalTimedOut.Count())
	}
}

func TestPoolStatsWaitTimeEma(t *testing.T) {
	c, _, p := statsFixture(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	p.updateWaitTime(100)
	if math.Abs(p.waitTimeMsEma-20) > 1e-9 {
		t.Fatalf("first observation: ema=%v", p.waitTimeMsEma)
	}
	p.updateWaitTime(100)
	if math.Abs(p.waitTimeMsEma-36) > 1e-9 {
		t.Fatalf("second observation: ema=%v", p.waitTimeMsEma)
	}
}

func TestPoolStatsEffectiveMemReserved(t *testing.T) {
	c, _, p := statsFixture(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	p.aggMemReserved = 10 * gigabyte
	p.localMemAdmitted = 4 * gigabyte
	if p.effectiveMemReserved() != 10*gigabyte {
		t.Fatalf("max should pick the gossiped value")
	}
	p.localMemAdmitted = 40 * gigabyte
	if p.effectiveMemReserved() != 40*gigabyte {
		t.Fatalf("max should pick the local value")
	}
}

func TestPoolStatsUpdateAggregates(t *testing.T) {
	c, tracker, p := statsFixture(t)
	tracker.SetPool("q1", 5*gigabyte, gigabyte)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.localStats.NumAdmittedRunning = 2
	p.localStats.NumQueued = 1
	p.updateMemTrackerStats()
	p.updateRemoteStats("host2:25000", &poolStatsSnapshot{
		NumAdmittedRunning: 3, NumQueued: 2, BackendMemReserved: 7 * gigabyte,
	})
	p.updateRemoteStats("host3:25000", &poolStatsSnapshot{
		NumAdmittedRunning: 1, NumQueued: 0, BackendMemReserved: 2 * gigabyte,
	})

	hostMem := make(map[string]int64)
	p.updateAggregates(hostMem)
	if p.aggNumRunning != 6 || p.aggNumQueued != 3 || p.aggMemReserved != 14*gigabyte {
		t.Fatalf("aggregates: running=%v queued=%v mem=%v",
			p.aggNumRunning, p.aggNumQueued, p.aggMemReserved)
	}
	if hostMem["host1:25000"] != 5*gigabyte || hostMem["host2:25000"] != 7*gigabyte ||
		hostMem["host3:25000"] != 2*gigabyte {
		t.Fatalf("host accumulation: %+v", hostMem)
	}

	// Replacing one coordinator's snapshot replaces, not adds.
	p.updateRemoteStats("host2:25000", &poolStatsSnapshot{NumAdmittedRunning: 1})
	hostMem = make(map[string]int64)
	p.updateAggregates(hostMem)
	if p.aggNumRunning != 4 {
		t.Fatalf("after replacement: running=%v", p.aggNumRunning)
	}
}

func TestPoolStatsResetInformational(t *testing.T) {
	c, _, p := statsFixture(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	p.metrics.totalAdmitted.Inc(5)
	p.peakMemHistogram[2] = 7
	p.waitTimeMsEma = 12.5
	p.resetInformationalStats()
	if p.metrics.totalAdmitted.Count() != 0 || p.peakMemHistogram[2] != 0 || p.waitTimeMsEma != 0 {
		t.Fatalf("reset did not clear informational stats")
	}
}
