package node

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"murmur/activity"
	"murmur/datamodel/peer"
	"murmur/swarm/protocol"

	"github.com/stretchr/testify/require"
)

// sentMsg is one datagram seen by the in-memory network.
type sentMsg struct {
	From string
	To   string
	Msg  protocol.Message
}

type delivery struct {
	to      string // host:port
	payload []byte
}

// memNet is a lossless, single-threaded network. Sends are queued and only
// delivered by drain, so tests control exactly when messages arrive.
type memNet struct {
	mu      sync.Mutex
	nodes   map[string]*Node // by host:port
	queue   []delivery
	sent    []sentMsg
	dropped int
}

func newMemNet() *memNet {
	return &memNet{nodes: make(map[string]*Node)}
}

type memTransport struct {
	net  *memNet
	self peer.Address

	mu          sync.Mutex
	connected   map[string]int
	unreachable map[string]bool
}

func (t *memTransport) Connect(a peer.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unreachable[a.ID] {
		return errors.New("connection refused")
	}
	t.connected[a.ID]++
	return nil
}

func (t *memTransport) Send(a peer.Address, payload []byte) error {
	m, err := protocol.Decode(payload)
	if err != nil {
		return err
	}

	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.sent = append(t.net.sent, sentMsg{From: t.self.ID, To: a.ID, Msg: m})
	t.net.queue = append(t.net.queue, delivery{to: a.HostPort(), payload: append([]byte(nil), payload...)})
	return nil
}

func (t *memTransport) Listen(ctx context.Context, handler func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

// drain delivers queued datagrams, including the ones produced while
// delivering, until the network is quiet.
func (mn *memNet) drain(t *testing.T) {
	t.Helper()
	for steps := 0; ; steps++ {
		require.Less(t, steps, 10000, "network did not quiesce")

		mn.mu.Lock()
		if len(mn.queue) == 0 {
			mn.mu.Unlock()
			return
		}
		d := mn.queue[0]
		mn.queue = mn.queue[1:]
		n := mn.nodes[d.to]
		if n == nil {
			mn.dropped++
		}
		mn.mu.Unlock()

		if n != nil {
			n.HandlePayload(d.payload)
		}
	}
}

// messages returns every sent message of the given kind.
func (mn *memNet) messages(kind protocol.Kind) []sentMsg {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	var out []sentMsg
	for _, s := range mn.sent {
		if s.Msg.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

func (mn *memNet) reset() {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.sent = nil
}

// recorder is an activity sink that keeps everything.
type recorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recorder) LogEvent(eventType string, peer string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, activity.Event{Type: eventType, Peer: peer, Message: message})
}

func (r *recorder) ofType(eventType string) []activity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

const testBasePort = 6000

func testAddr(id string) peer.Address {
	a, err := peer.SuffixPortResolver("127.0.0.1", testBasePort)(id)
	if err != nil {
		panic(err)
	}
	return a
}

func testSeeds(ids ...string) peer.SeedTable {
	seeds := peer.SeedTable{}
	for _, id := range ids {
		seeds[id] = testAddr(id)
	}
	return seeds
}

var fixedNow = time.Date(2024, 5, 1, 12, 34, 56, 0, time.UTC)

// addNode creates a node attached to the network.
func (mn *memNet) addNode(t *testing.T, id string, seeds peer.SeedTable) (*Node, *recorder) {
	t.Helper()

	self := testAddr(id)
	rec := &recorder{}
	tr := &memTransport{net: mn, self: self, connected: make(map[string]int)}

	n, err := New(Options{
		Self:      self,
		Seeds:     seeds,
		Transport: tr,
		Resolver:  peer.ChainResolvers(peer.TableResolver(seeds), peer.SuffixPortResolver("127.0.0.1", testBasePort)),
		Sink:      activity.SinkFunc(rec.LogEvent),
		Rand:      rand.New(rand.NewSource(int64(len(mn.nodes) + 1))),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	mn.mu.Lock()
	mn.nodes[self.HostPort()] = n
	mn.mu.Unlock()

	return n, rec
}

func transportOf(n *Node) *memTransport {
	return n.Transport.(*memTransport)
}
