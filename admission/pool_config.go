package admission

import (
	"fmt"
	"math"

	"github.com/jbapple/impala/requestpool"
)

// Derived pool limits. Each knob resolves through exactly one function so
// decision sites never branch on whether a pool uses fixed values or
// per-backend multiples.

// scaledLimit resolves a per-backend multiple against the live cluster
// size, flooring at one backend's worth.
func scaledLimit(multiple float64, clusterSize int64) int64 {
	v := int64(math.Ceil(multiple * float64(clusterSize)))
	if v < 1 {
		v = 1
	}
	return v
}

// maxRequestsForPool returns the effective cap on concurrently admitted
// queries; negative means uncapped.
func maxRequestsForPool(cfg requestpool.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxRunningQueriesMultiple > 0 {
		return scaledLimit(cfg.MaxRunningQueriesMultiple, clusterSize)
	}
	return cfg.MaxRequests
}

func maxRequestsForPoolDescription(cfg requestpool.PoolConfig, clusterSize int64) string {
	if cfg.MaxRunningQueriesMultiple > 0 {
		return fmt.Sprintf("calculated as %v backends each with %v queries",
			clusterSize, cfg.MaxRunningQueriesMultiple)
	}
	return "configured statically"
}

// maxQueuedForPool returns the effective cap on queued requests.
func maxQueuedForPool(cfg requestpool.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxQueuedQueriesMultiple > 0 {
		return scaledLimit(cfg.MaxQueuedQueriesMultiple, clusterSize)
	}
	return cfg.MaxQueued
}

func maxQueuedForPoolDescription(cfg requestpool.PoolConfig, clusterSize int64) string {
	if cfg.MaxQueuedQueriesMultiple > 0 {
		return fmt.Sprintf("calculated as %v backends each with %v queries",
			clusterSize, cfg.MaxQueuedQueriesMultiple)
	}
	return "configured statically"
}

// maxMemForPool returns the effective cluster-wide memory ceiling;
// negative means uncapped.
func maxMemForPool(cfg requestpool.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxMemoryMultiple > 0 {
		return cfg.MaxMemoryMultiple * clusterSize
	}
	return cfg.MaxMemResources
}

func maxMemForPoolDescription(cfg requestpool.PoolConfig, clusterSize int64) string {
	if cfg.MaxMemoryMultiple > 0 {
		return fmt.Sprintf("calculated as %v backends each with %s",
			clusterSize, bytesString(cfg.MaxMemoryMultiple))
	}
	return "configured statically"
}

// poolDisabled returns true if the pool is configured to admit nothing.
func poolDisabled(cfg requestpool.PoolConfig) bool {
	return (cfg.MaxRequests == 0 && cfg.MaxRunningQueriesMultiple == 0) ||
		(cfg.MaxMemResources == 0 && cfg.MaxMemoryMultiple == 0)
}

// poolLimitsRunningQueries returns true if the pool caps the number of
// concurrently admitted queries.
func poolLimitsRunningQueries(cfg requestpool.PoolConfig, clusterSize int64) bool {
	return maxRequestsForPool(cfg, clusterSize) >= 0
}

// poolHasFixedMemoryLimit returns true if the pool's memory ceiling does
// not scale with the cluster.
func poolHasFixedMemoryLimit(cfg requestpool.PoolConfig) bool {
	return cfg.MaxMemResources > 0 && cfg.MaxMemoryMultiple <= 0
}

// isPoolConfigValidForCluster checks the resolved pool config for
// contradictions that make every admission decision meaningless. Invalid
// configs reject requests rather than crash the coordinator, so operators
// can fix the pool without a restart. numQueued is the pool's aggregate
// queue length, to catch a pool whose cap was set to zero underneath
// already-queued requests.
func isPoolConfigValidForCluster(cfg requestpool.PoolConfig, clusterSize, numQueued int64) (bool, string) {
	if cfg.MinQueryMemLimit > 0 && cfg.MaxQueryMemLimit > 0 &&
		cfg.MinQueryMemLimit > cfg.MaxQueryMemLimit {
		return false, fmt.Sprintf(
			"Invalid pool config: min_query_mem_limit %s is greater than max_query_mem_limit %s",
			bytesString(cfg.MinQueryMemLimit), bytesString(cfg.MaxQueryMemLimit))
	}
	maxMem := maxMemForPool(cfg, clusterSize)
	if maxMem >= 0 && cfg.MinQueryMemLimit > maxMem {
		return false, fmt.Sprintf(
			"Invalid pool config: min_query_mem_limit %s is greater than pool max mem resources %s (%s)",
			bytesString(cfg.MinQueryMemLimit), bytesString(maxMem),
			maxMemForPoolDescription(cfg, clusterSize))
	}
	if cfg.MaxRunningQueriesMultiple < 0 || cfg.MaxQueuedQueriesMultiple < 0 || cfg.MaxMemoryMultiple < 0 {
		return false, "Invalid pool config: scalable limits must not be negative"
	}
	if maxRequestsForPool(cfg, clusterSize) == 0 && numQueued > 0 {
		return false, fmt.Sprintf(
			"Invalid pool config: max_requests is 0 but %v requests are queued", numQueued)
	}
	return true, ""
}
