// Package protocol defines the membership wire messages.
//
// Every datagram carries exactly one CBOR map with a "type" and a "sender"
// key plus the fields of its kind. Decode turns a datagram into one of the
// concrete message types below; handlers switch over those types and never
// see raw maps.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"murmur/datamodel/peer"
)

type Kind string

const (
	KindNewPeer         Kind = "NEW_PEER"
	KindGossip          Kind = "GOSSIP"
	KindRequestPeerList Kind = "REQUEST_PEER_LIST"
	KindPeerList        Kind = "PEER_LIST"
	KindMessage         Kind = "MESSAGE"
	KindHello           Kind = "HELLO"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	From() string
	isMessage()
}

// NewPeer is a joiner announcing itself to a seed.
type NewPeer struct {
	Sender   string
	PeerInfo peer.Address
}

// Gossip re-announces a peer that the sender just learned about.
type Gossip struct {
	Sender   string
	PeerInfo peer.Address
}

// RequestPeerList asks the receiver for every identity it knows.
type RequestPeerList struct {
	Sender string
}

// PeerList answers RequestPeerList.
type PeerList struct {
	Sender string
	Peers  []string
}

// Text is an application message ("MESSAGE" on the wire).
type Text struct {
	Sender  string
	Message string
}

// Hello is sent once right after a new outbound connection.
type Hello struct {
	Sender  string
	Message string
}

func (NewPeer) Kind() Kind         { return KindNewPeer }
func (Gossip) Kind() Kind          { return KindGossip }
func (RequestPeerList) Kind() Kind { return KindRequestPeerList }
func (PeerList) Kind() Kind        { return KindPeerList }
func (Text) Kind() Kind            { return KindMessage }
func (Hello) Kind() Kind           { return KindHello }

func (m NewPeer) From() string         { return m.Sender }
func (m Gossip) From() string          { return m.Sender }
func (m RequestPeerList) From() string { return m.Sender }
func (m PeerList) From() string        { return m.Sender }
func (m Text) From() string            { return m.Sender }
func (m Hello) From() string           { return m.Sender }

func (NewPeer) isMessage()         {}
func (Gossip) isMessage()          {}
func (RequestPeerList) isMessage() {}
func (PeerList) isMessage()        {}
func (Text) isMessage()            {}
func (Hello) isMessage()           {}

// envelope is the on-the-wire shape shared by all kinds.
type envelope struct {
	Type     Kind          `cbor:"type"`
	Sender   string        `cbor:"sender"`
	NewPeer  string        `cbor:"new_peer,omitempty"`
	PeerInfo *peer.Address `cbor:"peer_info,omitempty"`
	PeerList []string      `cbor:"peer_list,omitempty"`
	Message  string        `cbor:"message,omitempty"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  8,
		MaxArrayElements: 65536,
		MaxMapPairs:      64,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a message into a single datagram payload.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind(), Sender: m.From()}

	switch v := m.(type) {
	case NewPeer:
		info := v.PeerInfo
		env.PeerInfo = &info
	case Gossip:
		info := v.PeerInfo
		env.NewPeer = info.ID
		env.PeerInfo = &info
	case RequestPeerList:
	case PeerList:
		env.PeerList = v.Peers
	case Text:
		env.Message = v.Message
	case Hello:
		env.Message = v.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	return cbor.Marshal(env)
}

// Decode parses a datagram. Errors wrap ErrMalformed for payloads that are
// not a well-formed message and ErrUnknownType for kinds this node does not
// speak.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if env.Sender == "" {
		return nil, fmt.Errorf("%w: %s without sender", ErrMalformed, env.Type)
	}

	switch env.Type {
	case KindNewPeer:
		if env.PeerInfo == nil || !env.PeerInfo.Valid() {
			return nil, fmt.Errorf("%w: NEW_PEER without valid peer_info", ErrMalformed)
		}
		return NewPeer{Sender: env.Sender, PeerInfo: *env.PeerInfo}, nil

	case KindGossip:
		if env.PeerInfo == nil || !env.PeerInfo.Valid() {
			return nil, fmt.Errorf("%w: GOSSIP without valid peer_info", ErrMalformed)
		}
		if env.NewPeer != "" && env.NewPeer != env.PeerInfo.ID {
			return nil, fmt.Errorf("%w: GOSSIP new_peer %q does not match peer_info id %q", ErrMalformed, env.NewPeer, env.PeerInfo.ID)
		}
		return Gossip{Sender: env.Sender, PeerInfo: *env.PeerInfo}, nil

	case KindRequestPeerList:
		return RequestPeerList{Sender: env.Sender}, nil

	case KindPeerList:
		for _, id := range env.PeerList {
			if id == "" {
				return nil, fmt.Errorf("%w: PEER_LIST with empty identity", ErrMalformed)
			}
		}
		return PeerList{Sender: env.Sender, Peers: env.PeerList}, nil

	case KindMessage:
		return Text{Sender: env.Sender, Message: env.Message}, nil

	case KindHello:
		return Hello{Sender: env.Sender, Message: env.Message}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
