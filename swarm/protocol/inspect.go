package protocol

import "murmur/datamodel/peer"

// Control-plane RPC payloads, served over crpc and never sent on the gossip socket.

type PeersRequest struct {
	Requester string `cbor:"1,keyasint,omitempty"` // Free-form caller name, logged only
}

type PeersResponse struct {
	NodeID  string         `cbor:"1,keyasint,omitempty"` // Responding node
	Address peer.Address   `cbor:"2,keyasint,omitempty"` // Its inbound endpoint
	Peers   []peer.Address `cbor:"3,keyasint,omitempty"` // Registry snapshot, sorted by identity
}
