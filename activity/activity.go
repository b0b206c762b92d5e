// Package activity is the node's activity log contract. The core reports every
// connect, broadcast, send and receive through a Sink and never waits on it.
package activity

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Event types reported by the node.
const (
	Connected        = "Connected"
	ConnectFailed    = "Connect Failed"
	Broadcast        = "Broadcast"
	Sent             = "Sent"
	Received         = "Received"
	Hello            = "Hello"
	RequestedPeers   = "Requested Peers"
	PeerListSent     = "Peer List Sent"
	PeerListReceived = "Peer List Received"
)

// Event is one activity row as persisted by the sinks.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Node      string    `cbor:"2,keyasint,omitempty"`
	Type      string    `cbor:"3,keyasint,omitempty"`
	Peer      string    `cbor:"4,keyasint,omitempty"`
	Message   string    `cbor:"5,keyasint,omitempty"`
}

// Sink receives activity events. Implementations must not block the caller
// for long and must swallow their own failures.
type Sink interface {
	LogEvent(eventType string, peer string, message string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(eventType string, peer string, message string)

func (f SinkFunc) LogEvent(eventType string, peer string, message string) {
	f(eventType, peer, message)
}

type discard struct{}

func (discard) LogEvent(string, string, string) {}

// Discard drops every event.
var Discard Sink = discard{}

type multi []Sink

func (m multi) LogEvent(eventType string, peer string, message string) {
	for _, s := range m {
		s.LogEvent(eventType, peer, message)
	}
}

// Multi fans every event out to all given sinks. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		return Discard
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

// Logrus writes events as debug-level structured log lines.
type Logrus struct {
	Entry *log.Entry
}

func (l *Logrus) LogEvent(eventType string, peer string, message string) {
	l.Entry.WithFields(log.Fields{
		"event": eventType,
		"peer":  peer,
	}).Debug(message)
}
