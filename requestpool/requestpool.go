// Package requestpool resolves request pool names and their configurations.
// The admission controller looks pools up on every submission, so resolvers
// must be cheap; the file-backed resolver refreshes on a timer rather than
// stat'ing the file per lookup.
package requestpool

import (
	"github.com/pkg/errors"
)

// DefaultPoolName is used when a request does not name a pool.
const DefaultPoolName = "default-pool"

// PoolConfig holds the admission knobs for one pool.
//
// MaxRequests, MaxQueued and MaxMemResources may be fixed values, or may
// scale with the number of backends in the cluster via the *Multiple
// fields; a multiple > 0 overrides the corresponding fixed value.
type PoolConfig struct {
	// Maximum number of concurrently admitted queries. -1 removes the cap,
	// 0 disables the pool.
	MaxRequests int64 `json:"max_requests"`

	// Maximum number of queued requests before new ones are rejected.
	MaxQueued int64 `json:"max_queued"`

	// Cluster-wide ceiling on memory admitted to this pool. -1 removes the
	// cap, 0 disables the pool.
	MaxMemResources int64 `json:"max_mem_resources"`

	// Clamp bounds applied to each query's per-backend memory limit.
	// 0 means unset.
	MinQueryMemLimit int64 `json:"min_query_mem_limit"`
	MaxQueryMemLimit int64 `json:"max_query_mem_limit"`

	// If true the bounds above also clamp an explicit mem limit from the
	// query options; otherwise user-set limits are taken as-is.
	ClampMemLimitQueryOption bool `json:"clamp_mem_limit_query_option"`

	// How long a request may wait in the queue. <= 0 falls back to the
	// controller default.
	QueueTimeoutMs int64 `json:"queue_timeout_ms"`

	// Per-backend multipliers. A value > 0 overrides the fixed knob:
	// the effective limit is multiple * cluster size, floored at one
	// node's worth.
	MaxRunningQueriesMultiple float64 `json:"max_running_queries_multiple"`
	MaxQueuedQueriesMultiple  float64 `json:"max_queued_queries_multiple"`
	MaxMemoryMultiple         int64   `json:"max_memory_multiple"`
}

// Resolver maps requested pool names to pools and yields their configs.
type Resolver interface {
	// ResolveRequestPool maps the pool named in the request (possibly
	// empty) to the pool the request will be admitted under.
	ResolveRequestPool(requestedPool string) (string, error)

	// PoolConfig returns the current config of a resolved pool.
	PoolConfig(pool string) (PoolConfig, error)
}

// StaticResolver serves a fixed set of pools. Used in tests and for
// single-binary deployments with a hardcoded config.
type StaticResolver struct {
	pools       map[string]PoolConfig
	defaultPool string
}

func NewStaticResolver(pools map[string]PoolConfig) *StaticResolver {
	return &StaticResolver{pools: pools, defaultPool: DefaultPoolName}
}

// WithDefaultPool sets the pool used for requests that don't name one.
func (r *StaticResolver) WithDefaultPool(pool string) *StaticResolver {
	r.defaultPool = pool
	return r
}

func (r *StaticResolver) ResolveRequestPool(requestedPool string) (string, error) {
	if requestedPool == "" {
		return r.defaultPool, nil
	}
	if _, ok := r.pools[requestedPool]; !ok {
		return "", errors.Errorf("request pool %q does not exist", requestedPool)
	}
	return requestedPool, nil
}

func (r *StaticResolver) PoolConfig(pool string) (PoolConfig, error) {
	cfg, ok := r.pools[pool]
	if !ok {
		return PoolConfig{}, errors.Errorf("no config for request pool %q", pool)
	}
	return cfg, nil
}

var _ Resolver = (*StaticResolver)(nil)
