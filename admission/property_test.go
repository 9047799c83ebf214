//go:build property_test
// +build property_test

package admission

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	"github.com/jbapple/impala/cloud/cluster"
	"github.com/jbapple/impala/requestpool"
	"github.com/jbapple/impala/statestore"
)

// A scenario is a random interleaving of admissions, releases and gossip
// ticks across two coordinators sharing one bus.
type admissionOp struct {
	kind        int // 0 = admit, 1 = release, 2 = gossip tick
	coordinator int
	pool        string
	numBackends int
	perHostMem  int64
}

type admissionScenario struct {
	ops []admissionOp
}

func genScenario() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := genParams.Rng
		numOps := rng.Intn(60) + 10
		s := &admissionScenario{}
		for i := 0; i < numOps; i++ {
			op := admissionOp{
				kind:        rng.Intn(3),
				coordinator: rng.Intn(2),
				pool:        []string{"alpha", "beta"}[rng.Intn(2)],
				numBackends: rng.Intn(4) + 1,
				perHostMem:  int64(rng.Intn(1024)+1) * megabyte,
			}
			s.ops = append(s.ops, op)
		}
		return gopter.NewGenResult(s, gopter.NoShrinker)
	}
}

type propFixture struct {
	controllers []*AdmissionController
	trackers    []*TrackerRegistry
	bus         *statestore.LocalBus
	backends    []cluster.Node
	// admitted[i] are the schedules currently admitted by controller i.
	admitted [][]*QuerySchedule
}

func makePropFixture(t *testing.T) *propFixture {
	backends := makeBackends(4, 1024*gigabyte)
	pools := map[string]requestpool.PoolConfig{
		"alpha": {MaxRequests: -1, MaxQueued: 10, MaxMemResources: -1},
		"beta":  {MaxRequests: -1, MaxQueued: 10, MaxMemResources: -1},
	}
	f := &propFixture{bus: statestore.NewLocalBus(), backends: backends, admitted: make([][]*QuerySchedule, 2)}
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("host%d:25000", i+1)
		c, tracker := makeController(t, id, pools, backends)
		sub := f.bus.Subscriber(id)
		if err := c.RegisterWith(sub); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := sub.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		f.controllers = append(f.controllers, c)
		f.trackers = append(f.trackers, tracker)
	}
	return f
}

func (f *propFixture) apply(rng *rand.Rand, op admissionOp, seq int) {
	c := f.controllers[op.coordinator]
	switch op.kind {
	case 0:
		s := &QuerySchedule{
			QueryId:            fmt.Sprintf("c%d-q%d", op.coordinator, seq),
			RequestPool:        op.pool,
			Executors:          f.backends[:op.numBackends],
			PerHostMemEstimate: op.perHostMem,
			Profile:            NewProfile(),
		}
		if err := c.SubmitForAdmission(s, NewAdmitOutcome()); err == nil {
			f.admitted[op.coordinator] = append(f.admitted[op.coordinator], s)
		}
	case 1:
		outstanding := f.admitted[op.coordinator]
		if len(outstanding) == 0 {
			return
		}
		i := rng.Intn(len(outstanding))
		c.ReleaseQuery(outstanding[i], outstanding[i].PerBackendMemToAdmit())
		f.admitted[op.coordinator] = append(outstanding[:i], outstanding[i+1:]...)
	case 2:
		f.bus.Tick()
	}
}

// checkHostAccounting verifies that for every host, the admitted memory
// the controller charges there equals the sum over admitted queries
// touching that host.
func checkHostAccounting(c *AdmissionController, admitted []*QuerySchedule) error {
	want := make(map[string]int64)
	for _, s := range admitted {
		for _, node := range s.Executors {
			want[string(node.Id())] += s.PerBackendMemToAdmit()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, mem := range c.hostMemAdmitted {
		if mem != want[host] {
			return fmt.Errorf("host %s: admitted %v, want %v", host, mem, want[host])
		}
	}
	for host, mem := range want {
		if mem != c.hostMemAdmitted[host] {
			return fmt.Errorf("host %s: admitted %v, want %v", host, c.hostMemAdmitted[host], mem)
		}
	}
	return nil
}

func checkCountersNonNegative(c *AdmissionController) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pool, p := range c.poolStatsMap {
		if p.aggNumRunning < 0 || p.aggNumQueued < 0 {
			return fmt.Errorf("pool %s: running=%v queued=%v", pool, p.aggNumRunning, p.aggNumQueued)
		}
	}
	return nil
}

func Test_RandomAdmitReleaseGossip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("host accounting and counters stay consistent", prop.ForAll(
		func(scenario *admissionScenario) bool {
			f := makePropFixture(t)
			defer f.bus.Close()
			rng := rand.New(rand.NewSource(42))

			for seq, op := range scenario.ops {
				f.apply(rng, op, seq)
				for i, c := range f.controllers {
					if err := checkHostAccounting(c, f.admitted[i]); err != nil {
						t.Logf("after op %d: %v", seq, err)
						return false
					}
					if err := checkCountersNonNegative(c); err != nil {
						t.Logf("after op %d: %v", seq, err)
						return false
					}
				}
			}

			// Release everything: every eager counter must return to its
			// starting value.
			for i, c := range f.controllers {
				for _, s := range f.admitted[i] {
					c.ReleaseQuery(s, s.PerBackendMemToAdmit())
				}
				f.admitted[i] = nil
				c.mu.Lock()
				for pool, p := range c.poolStatsMap {
					// aggNumRunning may still include gossiped remote
					// queries; the local band must be zero.
					if p.localStats.NumAdmittedRunning != 0 {
						c.mu.Unlock()
						t.Logf("pool %s local stats not restored", pool)
						return false
					}
					if p.localMemAdmitted != 0 {
						c.mu.Unlock()
						t.Logf("pool %s localMemAdmitted=%v", pool, p.localMemAdmitted)
						return false
					}
				}
				for host, mem := range c.hostMemAdmitted {
					if mem != 0 {
						c.mu.Unlock()
						t.Logf("host %s still charged %v", host, mem)
						return false
					}
				}
				c.mu.Unlock()
			}
			return true
		},
		genScenario(),
	))

	properties.TestingRun(t)
}

func Test_AdmittedMemoryCoversReservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("accommodated queries can hold their reservation", prop.ForAll(
		func(s *QuerySchedule, cfg requestpool.PoolConfig) bool {
			s.UpdateMemoryRequirements(cfg, 0)
			ok, _ := canAccommodateMaxInitialReservation(s, cfg)
			if !ok {
				return true
			}
			if s.PerBackendMemLimit() < 0 {
				// Legacy unlimited path is exempt.
				return true
			}
			return s.PerBackendMemToAdmit() >= s.LargestMinReservation
		},
		genSchedule(),
		genPoolConfig(),
	))

	properties.TestingRun(t)
}

func genSchedule() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := genParams.Rng
		s := &QuerySchedule{
			QueryId:               "q",
			RequestPool:           "alpha",
			PerHostMemEstimate:    int64(rng.Intn(64*1024)) * megabyte,
			LargestMinReservation: int64(rng.Intn(16*1024)) * megabyte,
		}
		if rng.Intn(2) == 0 {
			s.MemLimit = int64(rng.Intn(64*1024)+1) * megabyte
		}
		return gopter.NewGenResult(s, gopter.NoShrinker)
	}
}

func genPoolConfig() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := genParams.Rng
		cfg := requestpool.PoolConfig{
			MaxRequests:              -1,
			MaxQueued:                10,
			MaxMemResources:          -1,
			ClampMemLimitQueryOption: rng.Intn(2) == 0,
		}
		if rng.Intn(2) == 0 {
			cfg.MinQueryMemLimit = int64(rng.Intn(8*1024)) * megabyte
		}
		if rng.Intn(2) == 0 {
			cfg.MaxQueryMemLimit = cfg.MinQueryMemLimit + int64(rng.Intn(64*1024)) * megabyte
		}
		return gopter.NewGenResult(cfg, gopter.NoShrinker)
	}
}
