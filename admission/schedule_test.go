package admission

import (
	"testing"

	"github.com/jbapple/impala/requestpool"
)

func TestMinMemLimitFromReservation(t *testing.T) {
	if got := minMemLimitFromReservation(0); got != 0 {
		t.Fatalf("expected 0 for zero reservation, got %v", got)
	}
	// Small reservations are dominated by the fixed remainder.
	small := int64(10 * megabyte)
	if got := minMemLimitFromReservation(small); got != small+reservationMemMinRemaining {
		t.Fatalf("small reservation: got %v", got)
	}
	// Large reservations are dominated by the fraction rule.
	large := int64(10 * gigabyte)
	want := int64(float64(large) / reservationMemFraction)
	if got := minMemLimitFromReservation(large); got != want {
		t.Fatalf("large reservation: got %v want %v", got, want)
	}
	// The two functions must be consistent: the minimum limit for a
	// reservation must accommodate that reservation.
	for _, res := range []int64{1, megabyte, 100 * megabyte, 3 * gigabyte, 64 * gigabyte} {
		limit := minMemLimitFromReservation(res)
		if maxReservationFromMemLimit(limit) < res {
			t.Fatalf("reservation %v not accommodated by derived limit %v", res, limit)
		}
	}
}

func TestUpdateMemoryRequirementsLegacy(t *testing.T) {
	// No pool bounds, no user limit: estimate admits, execution unlimited.
	s := &QuerySchedule{PerHostMemEstimate: 2 * gigabyte, LargestMinReservation: gigabyte}
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 0)
	if s.PerBackendMemToAdmit() != 2*gigabyte {
		t.Fatalf("mem to admit: got %v", s.PerBackendMemToAdmit())
	}
	if s.PerBackendMemLimit() != -1 {
		t.Fatalf("legacy path should leave execution unlimited, got %v", s.PerBackendMemLimit())
	}

	// No pool bounds but a user limit: the limit is used as-is.
	s = &QuerySchedule{PerHostMemEstimate: 2 * gigabyte, MemLimit: 3 * gigabyte}
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 0)
	if s.PerBackendMemToAdmit() != 3*gigabyte || s.PerBackendMemLimit() != 3*gigabyte {
		t.Fatalf("got admit=%v limit=%v", s.PerBackendMemToAdmit(), s.PerBackendMemLimit())
	}
}

func TestUpdateMemoryRequirementsReservationFloor(t *testing.T) {
	// With pool bounds set, the estimate is raised to cover the largest
	// initial reservation.
	cfg := requestpool.PoolConfig{MaxQueryMemLimit: 100 * gigabyte}
	s := &QuerySchedule{PerHostMemEstimate: gigabyte, LargestMinReservation: 8 * gigabyte}
	s.UpdateMemoryRequirements(cfg, 0)
	want := minMemLimitFromReservation(8 * gigabyte)
	if s.PerBackendMemToAdmit() != want {
		t.Fatalf("got %v want %v", s.PerBackendMemToAdmit(), want)
	}
	if s.PerBackendMemLimit() != want {
		t.Fatalf("limit should equal admitted value, got %v", s.PerBackendMemLimit())
	}
}

func TestUpdateMemoryRequirementsClamping(t *testing.T) {
	cfg := requestpool.PoolConfig{
		MinQueryMemLimit: 2 * gigabyte,
		MaxQueryMemLimit: 4 * gigabyte,
	}

	// Estimate below the min is raised.
	s := &QuerySchedule{PerHostMemEstimate: gigabyte}
	s.UpdateMemoryRequirements(cfg, 0)
	if s.PerBackendMemToAdmit() != 2*gigabyte {
		t.Fatalf("min clamp: got %v", s.PerBackendMemToAdmit())
	}

	// Estimate above the max is lowered.
	s = &QuerySchedule{PerHostMemEstimate: 10 * gigabyte}
	s.UpdateMemoryRequirements(cfg, 0)
	if s.PerBackendMemToAdmit() != 4*gigabyte {
		t.Fatalf("max clamp: got %v", s.PerBackendMemToAdmit())
	}

	// A user limit is clamped only when the pool says so.
	s = &QuerySchedule{MemLimit: 10 * gigabyte}
	s.UpdateMemoryRequirements(cfg, 0)
	if s.PerBackendMemToAdmit() != 10*gigabyte {
		t.Fatalf("user limit should not be clamped: got %v", s.PerBackendMemToAdmit())
	}
	cfg.ClampMemLimitQueryOption = true
	s = &QuerySchedule{MemLimit: 10 * gigabyte}
	s.UpdateMemoryRequirements(cfg, 0)
	if s.PerBackendMemToAdmit() != 4*gigabyte {
		t.Fatalf("user limit should be clamped: got %v", s.PerBackendMemToAdmit())
	}
}

func TestUpdateMemoryRequirementsPhysicalMemCap(t *testing.T) {
	s := &QuerySchedule{MemLimit: 100 * gigabyte}
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 8*gigabyte)
	if s.PerBackendMemToAdmit() != 8*gigabyte {
		t.Fatalf("physical mem cap: got %v", s.PerBackendMemToAdmit())
	}
}

func TestClusterMemToAdmit(t *testing.T) {
	s := &QuerySchedule{
		Executors:          makeBackends(10, 100*gigabyte),
		PerHostMemEstimate: 50 * gigabyte,
	}
	s.UpdateMemoryRequirements(requestpool.PoolConfig{}, 0)
	if got := s.ClusterMemToAdmit(); got != 500*gigabyte {
		t.Fatalf("cluster mem: got %v", got)
	}
}
