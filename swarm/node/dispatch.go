package node

import (
	"errors"
	"fmt"

	"murmur/activity"
	"murmur/datamodel/peer"
	"murmur/swarm/protocol"
)

// HandlePayload decodes one inbound datagram and dispatches it. Undecodable
// payloads are logged and dropped; nothing here may take the receive loop down.
func (n *Node) HandlePayload(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("Panic while handling a %d byte payload: %v", len(payload), r)
		}
	}()

	m, err := protocol.Decode(payload)
	if err != nil {
		n.Metrics.DecodeErrors.Inc()
		if errors.Is(err, protocol.ErrUnknownType) {
			n.log.Debugf("Ignoring message: %v", err)
		} else {
			n.log.Warnf("Discarding malformed payload (%d bytes): %v", len(payload), err)
		}
		return
	}

	n.Handle(m)
}

// Handle applies one decoded message to the registry.
func (n *Node) Handle(m protocol.Message) {
	if m.From() == n.Self.ID {
		n.log.Debugf("Ignoring %s from ourselves", m.Kind())
		return
	}

	n.Metrics.MessagesReceived.WithLabelValues(string(m.Kind())).Inc()

	switch v := m.(type) {
	case protocol.NewPeer:
		n.log.Debugf("%s announced %s", v.Sender, v.PeerInfo)
		n.learn(v.PeerInfo)

	case protocol.Gossip:
		if !n.Registry.Has(v.PeerInfo.ID) && v.PeerInfo.ID != n.Self.ID {
			n.log.Infof("Learned about %s from %s, connecting...", v.PeerInfo.ID, v.Sender)
		}
		n.learn(v.PeerInfo)

	case protocol.RequestPeerList:
		n.sendPeerList(v.Sender)

	case protocol.PeerList:
		n.mergePeerList(v)

	case protocol.Text:
		n.log.Debugf("Received from %s: %s", v.Sender, v.Message)
		n.Sink.LogEvent(activity.Received, v.Sender, v.Message)
		n.learnID(v.Sender)

	case protocol.Hello:
		n.Sink.LogEvent(activity.Hello, v.Sender, v.Message)

	default:
		n.log.Warnf("No handler for %T", m)
	}
}

// learn registers a newly announced peer and, only if it was unknown, floods
// the news to everyone else. Repeated announcements are no-ops, which is what
// stops the flood.
func (n *Node) learn(a peer.Address) {
	if a.ID == n.Self.ID {
		return
	}
	if n.connect(a) {
		n.broadcastNewPeer(a)
	}
}

func (n *Node) sendPeerList(requester string) {
	to, ok := n.resolve(requester)
	if !ok {
		return
	}

	ids := n.Registry.IDs()
	if n.send(to, protocol.PeerList{Sender: n.Self.ID, Peers: ids}) {
		n.log.Debugf("Sending full peer list (%d) to %s", len(ids), requester)
		n.Sink.LogEvent(activity.PeerListSent, requester, "Shared full peer list")
	}
}

// mergePeerList registers the responder and every listed identity we do not
// know yet. Entries learned this way are not re-broadcast.
func (n *Node) mergePeerList(pl protocol.PeerList) {
	added := 0
	for _, id := range pl.Peers {
		if n.learnID(id) {
			added++
		}
	}
	// The responder never lists itself.
	n.learnID(pl.Sender)

	n.Sink.LogEvent(activity.PeerListReceived, pl.Sender, fmt.Sprintf("Received %d peers, %d new", len(pl.Peers), added))
}

func (n *Node) learnID(id string) bool {
	if id == n.Registry.Self() || n.Registry.Has(id) {
		return false
	}
	a, ok := n.resolve(id)
	if !ok {
		return false
	}
	return n.connect(a)
}
