package node

import (
	"context"

	"murmur/activity"
	"murmur/swarm/protocol"
)

// IsSeed reports whether this node is listed in the seed table.
func (n *Node) IsSeed() bool {
	return n.Seeds.Has(n.Self.ID)
}

// Bootstrap runs once at startup. A seed connects to every other seed. A
// joiner connects to one random seed, announces itself and asks for the
// seed's membership.
func (n *Node) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if n.IsSeed() {
		n.log.Infof("Bootstrapping as seed, %d other seeds", len(n.Seeds)-1)
		for _, id := range n.Seeds.IDs() {
			if id == n.Self.ID {
				continue
			}
			n.connect(n.Seeds[id])
		}
		return nil
	}

	n.rndMu.Lock()
	seed, ok := n.Seeds.Pick(n.rnd)
	n.rndMu.Unlock()
	if !ok {
		return ErrNoSeeds
	}

	n.log.Infof("Joining through seed %s", seed)
	n.connect(seed)

	n.send(seed, protocol.NewPeer{Sender: n.Self.ID, PeerInfo: n.Self})
	n.requestPeerList(seed.ID)

	return nil
}

// requestPeerList asks one peer for its full membership.
func (n *Node) requestPeerList(id string) {
	to, ok := n.resolve(id)
	if !ok {
		return
	}
	if n.send(to, protocol.RequestPeerList{Sender: n.Self.ID}) {
		n.log.Debugf("Requested peer list from %s", id)
		n.Sink.LogEvent(activity.RequestedPeers, id, "Requested full peer list")
	}
}
