package main

import (
	"flag"
	"math/rand"
	"strconv"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jbapple/impala/admission"
	"github.com/jbapple/impala/cloud/cluster"
	"github.com/jbapple/impala/common/endpoints"
	"github.com/jbapple/impala/common/stats"
	"github.com/jbapple/impala/requestpool"
	"github.com/jbapple/impala/statestore"
)

var httpAddr = flag.String("http_addr", "localhost:25010", "bind address for the debug http server")
var coordinatorId = flag.String("coordinator_id", "localhost:25000", "this coordinator's id in the statestore topic")
var backendsFlag = flag.String("backends", "host1:25000=8192,host2:25000=8192",
	"comma-separated executor backends as host:port=proc_mem_limit_mb")
var poolsFile = flag.String("pools_file", "", "JSON pools config; empty uses a built-in default pool")
var poolsRefresh = flag.Duration("pools_refresh", time.Minute, "pools config reload interval")
var etcdEndpoints = flag.String("etcd", "", "comma-separated etcd endpoints; empty runs a single-node in-process bus")
var heartbeat = flag.Duration("statestore_heartbeat", 2*time.Second, "statestore delivery interval")
var demo = flag.Bool("demo", false, "submit a stream of synthetic queries")

func main() {
	log.Println("Starting admission controller daemon")
	flag.Parse()

	stat := stats.DefaultStatsReceiver()

	backends, err := parseBackends(*backendsFlag)
	if err != nil {
		log.Fatalf("Bad -backends: %v", err)
	}
	clusterView := cluster.NewStaticCluster(backends)

	var resolver requestpool.Resolver
	if *poolsFile != "" {
		fr, err := requestpool.NewFileResolver(*poolsFile, *poolsRefresh)
		if err != nil {
			log.Fatalf("Cannot load pools config: %v", err)
		}
		resolver = fr
	} else {
		resolver = requestpool.NewStaticResolver(map[string]requestpool.PoolConfig{
			requestpool.DefaultPoolName: {
				MaxRequests:     20,
				MaxQueued:       50,
				MaxMemResources: -1,
			},
		})
	}

	memTracker := admission.NewTrackerRegistry()
	controller := admission.NewAdmissionController(clusterView, resolver, memTracker, stat,
		admission.Config{
			CoordinatorId:       *coordinatorId,
			StatestoreHeartbeat: *heartbeat,
		})

	var sub statestore.Subscriber
	if *etcdEndpoints != "" {
		sub, err = statestore.NewEtcdSubscriber(*coordinatorId, statestore.EtcdConfig{
			Endpoints: strings.Split(*etcdEndpoints, ","),
			Heartbeat: *heartbeat,
		})
		if err != nil {
			log.Fatalf("Cannot reach etcd: %v", err)
		}
	} else {
		bus := statestore.NewLocalBus()
		go bus.Run(*heartbeat)
		sub = bus.Subscriber(*coordinatorId)
	}
	if err := controller.RegisterWith(sub); err != nil {
		log.Fatalf("Cannot register with statestore: %v", err)
	}
	if err := sub.Start(); err != nil {
		log.Fatalf("Cannot start statestore subscriber: %v", err)
	}

	if *demo {
		go demoLoop(controller, backends)
	}

	server := endpoints.NewServer(*httpAddr, stat, controller)
	log.Fatal(server.Serve())
}

// parseBackends parses "host:port=mem_mb,..." into executor nodes.
func parseBackends(spec string) ([]cluster.Node, error) {
	var nodes []cluster.Node
	for _, part := range strings.Split(spec, ",") {
		id, memStr, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("backend %q is not host:port=mem_mb", part)
		}
		memMb, err := strconv.ParseInt(memStr, 10, 64)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, cluster.NewBackendNode(id, memMb<<20))
	}
	return nodes, nil
}

// demoLoop submits synthetic queries forever so the debug pages have
// something to show.
func demoLoop(controller *admission.AdmissionController, backends []cluster.Node) {
	for {
		id, _ := uuid.NewV4()
		schedule := &admission.QuerySchedule{
			QueryId:               id.String(),
			RequestPool:           requestpool.DefaultPoolName,
			Executors:             backends,
			PerHostMemEstimate:    int64(rand.Intn(512)+1) << 20,
			LargestMinReservation: 32 << 20,
			Profile:               admission.NewProfile(),
		}
		outcome := admission.NewAdmitOutcome()
		if err := controller.SubmitForAdmission(schedule, outcome); err != nil {
			log.Infof("Demo query %s not admitted: %v", schedule.QueryId, err)
		} else {
			go func() {
				time.Sleep(time.Duration(rand.Intn(2000)) * time.Millisecond)
				controller.ReleaseQuery(schedule, schedule.PerBackendMemToAdmit()/2)
			}()
		}
		time.Sleep(200 * time.Millisecond)
	}
}
