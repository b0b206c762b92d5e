package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"murmur/activity"
	"murmur/datamodel/peer"
	"murmur/helper/timer"
	"murmur/net/crpc"
	"murmur/swarm/protocol"
	"murmur/swarm/registry"
	"murmur/telemetry"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrNoSeeds = errors.New("no seed to join through")

// Transport moves encoded protocol messages between nodes.
type Transport interface {
	// Connect prepares the outbound endpoint for a peer.
	Connect(addr peer.Address) error
	// Send queues one payload for a peer without blocking.
	Send(addr peer.Address, payload []byte) error
	// Listen delivers inbound payloads until ctx is done.
	Listen(ctx context.Context, handler func(payload []byte)) error
}

type Options struct {
	Self      peer.Address
	Seeds     peer.SeedTable
	Transport Transport

	// Resolver maps identities that arrive without an address (PEER_LIST
	// entries, unknown MESSAGE senders). Defaults to the seed table.
	Resolver peer.Resolver

	Sink    activity.Sink
	Metrics *telemetry.Metrics

	Heartbeat timer.Interval
	// Reconcile is the period of the peer-list pull; zero disables it.
	Reconcile timer.Interval

	// RpcServer, when set, serves the control-plane handlers.
	RpcServer *crpc.Server

	Rand *rand.Rand
	Now  func() time.Time
}

type Node struct {
	// Node identity and inbound endpoint
	Self peer.Address

	// Membership
	Registry *registry.Registry
	Seeds    peer.SeedTable
	Resolver peer.Resolver

	// Networking
	Transport Transport
	RpcServer *crpc.Server

	// RPC implementation
	RpcHandlers *Server

	// Observability
	Sink    activity.Sink
	Metrics *telemetry.Metrics

	heartbeat timer.Interval
	reconcile timer.Interval

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() time.Time

	log *log.Entry
}

func New(opts Options) (*Node, error) {
	if !opts.Self.Valid() {
		return nil, fmt.Errorf("invalid node address %+v", opts.Self)
	}
	if opts.Transport == nil {
		return nil, errors.New("node needs a transport")
	}

	n := &Node{
		Self:      opts.Self,
		Registry:  registry.New(opts.Self.ID),
		Seeds:     opts.Seeds,
		Resolver:  opts.Resolver,
		Transport: opts.Transport,
		Sink:      opts.Sink,
		Metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
		reconcile: opts.Reconcile,
		rnd:       opts.Rand,
		now:       opts.Now,
		log:       log.WithField("node", opts.Self.ID),
	}

	if n.Seeds == nil {
		n.Seeds = peer.SeedTable{}
	}
	if n.Resolver == nil {
		n.Resolver = peer.TableResolver(n.Seeds)
	}
	if n.Sink == nil {
		n.Sink = activity.Discard
	}
	if n.Metrics == nil {
		n.Metrics = telemetry.New(opts.Self.ID)
	}
	if n.heartbeat.Duration == 0 {
		n.heartbeat.Duration = 2 * time.Second
	}
	if n.rnd == nil {
		n.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if n.now == nil {
		n.now = time.Now
	}

	if opts.RpcServer != nil {
		n.RpcHandlers = &Server{node: n}
		n.RpcServer = opts.RpcServer
		if err := n.RpcServer.Register(n.RpcHandlers); err != nil {
			return nil, err
		}
	}

	n.log.Infof("I am %s, listening on %s", n.Self.ID, n.Self.HostPort())

	return n, nil
}

func (n *Node) ID() string {
	return n.Self.ID
}

// send encodes and queues one message. Failures are logged and counted, never
// retried.
func (n *Node) send(to peer.Address, m protocol.Message) bool {
	payload, err := protocol.Encode(m)
	if err == nil {
		err = n.Transport.Send(to, payload)
	}
	if err != nil {
		n.Metrics.SendErrors.Inc()
		n.log.Warnf("Failed to send %s to %s: %v", m.Kind(), to, err)
		return false
	}

	n.Metrics.MessagesSent.WithLabelValues(string(m.Kind())).Inc()
	n.log.Debugf("Sent %s to %s", m.Kind(), to.ID)
	return true
}

// connect registers a peer and opens the outbound endpoint to it. It returns
// false, doing nothing, when the peer is already known or is this node.
func (n *Node) connect(a peer.Address) bool {
	if !n.Registry.Add(a) {
		return false
	}
	n.Metrics.KnownPeers.Set(float64(n.Registry.Len()))

	if err := n.Transport.Connect(a); err != nil {
		// The peer stays registered: sends to it fail and are counted until it becomes reachable.
		n.Metrics.SendErrors.Inc()
		n.log.Warnf("Failed to connect to %s: %v", a, err)
		n.Sink.LogEvent(activity.ConnectFailed, a.ID, err.Error())
	} else {
		n.log.Infof("Connected to %s", a)
		n.Sink.LogEvent(activity.Connected, a.ID, "Established connection")
	}

	n.send(a, protocol.Hello{
		Sender:  n.Self.ID,
		Message: fmt.Sprintf("Hello %s, I have now connected to you!", a.ID),
	})

	return true
}

// resolve finds the address for an identity that arrived without one.
func (n *Node) resolve(id string) (peer.Address, bool) {
	if a, ok := n.Registry.Get(id); ok {
		return a, true
	}
	a, err := n.Resolver(id)
	if err != nil {
		n.log.Warnf("Cannot resolve address of %s: %v", id, err)
		return peer.Address{}, false
	}
	a.ID = id
	return a, true
}

func (n *Node) pickPeer() (peer.Address, bool) {
	ids := n.Registry.IDs()
	if len(ids) == 0 {
		return peer.Address{}, false
	}
	n.rndMu.Lock()
	id := ids[n.rnd.Intn(len(ids))]
	n.rndMu.Unlock()
	return n.Registry.Get(id)
}

// Run bootstraps the node and serves until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Transport.Listen(cctx, n.HandlePayload)
	})

	if n.RpcServer != nil {
		wg.Go(func() error {
			return n.RpcServer.Serve(cctx)
		})
	}

	wg.Go(func() error {
		if err := n.Bootstrap(cctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		return timer.RunWithTicker(cctx, &n.heartbeat, n.Heartbeat)
	})

	if n.reconcile.Duration > 0 {
		wg.Go(func() error {
			return timer.RunWithTicker(cctx, &n.reconcile, n.Reconcile)
		})
	}

	// Everything returns ctx.Err() on shutdown; only report failures that
	// happened while we were still meant to be running.
	if err := wg.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}
