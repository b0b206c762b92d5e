package commands

import (
	"context"
	"time"

	"murmur/config"
	"murmur/swarm/client"

	log "github.com/sirupsen/logrus"
)

// RunInfo asks a running node for its membership. With an empty addr it
// queries the node named in the config.
func RunInfo(ctx context.Context, cfg *config.Config, addr string) {
	if addr == "" {
		self, err := cfg.SelfAddress()
		if err != nil {
			log.Fatalf("Failed to determine node address: %v", err)
		}
		addr = cfg.RPCAddress(self)
		if addr == "" {
			log.Fatal("Control plane is disabled (network.rpc_port_offset is 0), pass -addr")
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := client.Dial(cctx, addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer c.Close()

	res, err := c.Peers(cctx)
	if err != nil {
		log.Fatalf("Failed to call Peers: %v", err)
	}

	log.Infof("Node %s at %s knows %d peers", res.NodeID, res.Address.HostPort(), len(res.Peers))
	for _, p := range res.Peers {
		log.Infof("Peer: %s, addr: %s", p.ID, p.HostPort())
	}
}
