package admission

import (
	"github.com/jbapple/impala/cloud/cluster"
	"github.com/jbapple/impala/requestpool"
)

// Buffer reservations may only take a bounded fraction of a query's memory
// limit, so the smallest workable limit for a given reservation is the
// inverse of that rule: reservation/reservationMemFraction, or reservation
// plus the minimum non-reservation remainder, whichever is larger.
const (
	reservationMemFraction     = 0.8
	reservationMemMinRemaining = 75 * megabyte
)

// minMemLimitFromReservation returns the smallest per-backend mem limit
// that can accommodate the given initial buffer reservation.
func minMemLimitFromReservation(reservation int64) int64 {
	if reservation <= 0 {
		return 0
	}
	return maxInt64(
		int64(float64(reservation)/reservationMemFraction),
		reservation+reservationMemMinRemaining)
}

// maxReservationFromMemLimit is the inverse: the largest initial buffer
// reservation a query with the given per-backend mem limit can hold.
func maxReservationFromMemLimit(memLimit int64) int64 {
	res := minInt64(
		int64(float64(memLimit)*reservationMemFraction),
		memLimit-reservationMemMinRemaining)
	return maxInt64(res, 0)
}

// QuerySchedule is the admission request for one query: the planner's
// output plus the membership snapshot the query was scheduled against.
// It is immutable for the lifetime of the admission attempt except for
// the two derived memory values set by UpdateMemoryRequirements.
type QuerySchedule struct {
	// QueryId uniquely identifies the query.
	QueryId string

	// RequestPool is the resolved pool the query is admitted under.
	RequestPool string

	// Executors are the backends this query will run fragments on, from
	// the membership snapshot taken at scheduling time.
	Executors []cluster.Node

	// PerHostMemEstimate is the planner's per-backend memory estimate.
	PerHostMemEstimate int64

	// LargestMinReservation is the largest per-backend initial buffer
	// reservation; the query cannot run with less on any backend.
	LargestMinReservation int64

	// MemLimit is the user-supplied per-backend limit from the query
	// options; 0 means unset.
	MemLimit int64

	// Profile receives admission annotations.
	Profile *Profile

	perBackendMemToAdmit int64
	perBackendMemLimit   int64
}

// HasMemLimit returns true if the query options carried an explicit
// per-backend memory limit.
func (s *QuerySchedule) HasMemLimit() bool {
	return s.MemLimit > 0
}

// PerBackendMemToAdmit is the per-backend value used for admission
// accounting. Valid after UpdateMemoryRequirements.
func (s *QuerySchedule) PerBackendMemToAdmit() int64 {
	return s.perBackendMemToAdmit
}

// PerBackendMemLimit is the per-backend limit enforced at execution;
// -1 means unlimited. Valid after UpdateMemoryRequirements.
func (s *QuerySchedule) PerBackendMemLimit() int64 {
	return s.perBackendMemLimit
}

// ClusterMemToAdmit is the aggregate memory this query needs across all
// participating backends.
func (s *QuerySchedule) ClusterMemToAdmit() int64 {
	return s.perBackendMemToAdmit * int64(len(s.Executors))
}

// UpdateMemoryRequirements derives the per-backend memory to admit and the
// per-backend memory limit from the query options, the planner estimate,
// and the pool's clamp bounds.
//
// When neither min_query_mem_limit nor max_query_mem_limit is set the pool
// falls back to the traditional behavior: a user-set mem limit is used
// as-is, and without one the planner estimate is used for admission only
// while execution runs unlimited (limit -1). In that legacy path the
// estimate also gets no reservation-derived lower bound.
//
// perBackendPhysicalMem caps the result at the memory actually present on
// a backend; <= 0 skips the cap.
func (s *QuerySchedule) UpdateMemoryRequirements(cfg requestpool.PoolConfig, perBackendPhysicalMem int64) {
	mimicOldBehavior := cfg.MinQueryMemLimit == 0 && cfg.MaxQueryMemLimit == 0

	memToAdmit := int64(0)
	hasQueryOption := false
	if s.MemLimit > 0 {
		memToAdmit = s.MemLimit
		hasQueryOption = true
	}

	if !hasQueryOption {
		memToAdmit = s.PerHostMemEstimate
		if !mimicOldBehavior {
			memToAdmit = maxInt64(memToAdmit, minMemLimitFromReservation(s.LargestMinReservation))
		}
	}

	if !hasQueryOption || cfg.ClampMemLimitQueryOption {
		if cfg.MinQueryMemLimit > 0 {
			memToAdmit = maxInt64(memToAdmit, cfg.MinQueryMemLimit)
		}
		if cfg.MaxQueryMemLimit > 0 {
			memToAdmit = minInt64(memToAdmit, cfg.MaxQueryMemLimit)
		}
	}

	// The user's value or the planning estimate can each be unreasonable;
	// neither can exceed the physical memory of a backend.
	if perBackendPhysicalMem > 0 {
		memToAdmit = minInt64(memToAdmit, perBackendPhysicalMem)
	}

	s.perBackendMemToAdmit = memToAdmit
	if mimicOldBehavior && !hasQueryOption {
		s.perBackendMemLimit = -1
	} else {
		s.perBackendMemLimit = memToAdmit
	}
}
