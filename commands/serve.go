package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"murmur/activity"
	"murmur/config"
	"murmur/datastore/csvlog"
	"murmur/datastore/leveldb"
	"murmur/net/crpc"
	"murmur/net/udp"
	"murmur/swarm/node"
	"murmur/telemetry"

	log "github.com/sirupsen/logrus"
)

// journalPath keeps one leveldb per node so a whole cluster can share a config.
func journalPath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.Activity.Journal, id)
}

func RunServe(ctx context.Context, cfg *config.Config) {
	self, err := cfg.SelfAddress()
	if err != nil {
		log.Fatalf("Failed to determine node address: %v", err)
	}
	seeds, err := cfg.SeedTable()
	if err != nil {
		log.Fatalf("Failed to parse seeds: %v", err)
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		log.Fatalf("Failed to build resolver: %v", err)
	}

	// Gossip endpoint. An address in use is fatal.
	transport, err := udp.Bind(self.HostPort(), cfg.Gossip.QueueSize)
	if err != nil {
		log.Fatalf("Failed to bind %s: %v", self.HostPort(), err)
	}
	defer transport.Close()

	// Activity sinks
	var sinks []activity.Sink
	if cfg.Activity.Verbose {
		sinks = append(sinks, &activity.Logrus{Entry: log.WithField("node", self.ID)})
	}
	if cfg.Activity.LogDir != "" {
		w, err := csvlog.Open(cfg.Activity.LogDir, self.ID, cfg.Activity.QueueSize)
		if err != nil {
			log.Fatalf("Failed to open activity log: %v", err)
		}
		defer w.Close()
		log.Infof("Activity log: %s", w.Path())
		sinks = append(sinks, w)
	}
	if cfg.Activity.Journal != "" {
		j, err := leveldb.NewJournal(journalPath(cfg, self.ID), self.ID)
		if err != nil {
			log.Fatalf("Failed to open activity journal: %v", err)
		}
		defer j.Close()
		log.Infof("Activity journal: %s, seq: %d", j.Path(), j.GetSeq())
		sinks = append(sinks, j)
	}

	metrics := telemetry.New(self.ID)
	if addr := cfg.MetricsAddress(self); addr != "" {
		stop := serveMetrics(addr, metrics)
		defer stop()
	}

	// Control plane
	var rsrv *crpc.Server
	if addr := cfg.RPCAddress(self); addr != "" {
		rpcl, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Failed to create RPC listener: %v", err)
		}
		rsrv = crpc.NewServer(rpcl)
		log.Infof("RPC server listening on %s", rsrv.Addr())
	}

	n, err := node.New(node.Options{
		Self:      self,
		Seeds:     seeds,
		Transport: transport,
		Resolver:  resolver,
		Sink:      activity.Multi(sinks...),
		Metrics:   metrics,
		Heartbeat: cfg.HeartbeatInterval(),
		Reconcile: cfg.ReconcileInterval(),
		RpcServer: rsrv,
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil {
		log.Errorf("Node stopped: %v", err)
		return
	}
	log.Infof("Node %s stopped, knew %d peers", n.ID(), n.Registry.Len())
}

func serveMetrics(addr string, m *telemetry.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
