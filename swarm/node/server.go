package node

import (
	"murmur/datamodel/peer"
	"murmur/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Server holds the control-plane RPC handlers.
type Server struct {
	node *Node
}

// RPC: Peers
func (s *Server) Peers(req *protocol.PeersRequest, res *protocol.PeersResponse) error {
	log.Debugf("Server.Peers from %q", req.Requester)

	res.NodeID = s.node.Self.ID
	res.Address = s.node.Self
	res.Peers = make([]peer.Address, 0, s.node.Registry.Len())
	for _, a := range s.node.Registry.All() {
		res.Peers = append(res.Peers, a)
	}
	return nil
}
