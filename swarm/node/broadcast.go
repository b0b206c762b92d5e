package node

import (
	"context"
	"fmt"

	"murmur/activity"
	"murmur/datamodel/peer"
	"murmur/swarm/protocol"
)

// broadcastNewPeer tells every known peer except the subject about it. Best
// effort: no acknowledgment, no retry.
func (n *Node) broadcastNewPeer(subject peer.Address) int {
	msg := protocol.Gossip{Sender: n.Self.ID, PeerInfo: subject}
	note := fmt.Sprintf("Informing about new peer %s", subject.ID)

	sent := 0
	for id, a := range n.Registry.All() {
		if id == subject.ID || id == n.Self.ID {
			continue
		}
		if n.send(a, msg) {
			sent++
			n.log.Debugf("Broadcasting %s to %s", subject.ID, id)
			n.Sink.LogEvent(activity.Broadcast, id, note)
		}
	}
	return sent
}

// Heartbeat sends one application message to every known peer. This is run via
// the RunWithTicker() helper.
func (n *Node) Heartbeat(ctx context.Context) error {
	text := fmt.Sprintf("Hello from %s at %s", n.Self.ID, n.now().Format("15:04:05"))
	msg := protocol.Text{Sender: n.Self.ID, Message: text}

	for id, a := range n.Registry.All() {
		if ctx.Err() != nil {
			return nil
		}
		if id == n.Self.ID {
			continue
		}
		if n.send(a, msg) {
			n.Sink.LogEvent(activity.Sent, id, text)
		}
	}
	return nil
}

// Reconcile pulls the full peer list from one random known peer, healing any
// missed GOSSIP. This is run via the RunWithTicker() helper.
func (n *Node) Reconcile(ctx context.Context) error {
	p, ok := n.pickPeer()
	if !ok {
		return nil
	}
	n.requestPeerList(p.ID)
	return nil
}
