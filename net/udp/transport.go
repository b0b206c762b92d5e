// Package udp implements the gossip transport over UDP.
// Bind: one inbound socket bound to the node's own address.
// Connect/Send: one connected outbound socket per peer address, fed by a bounded queue.
// Listen: a receive loop handing every datagram to a callback.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"murmur/datamodel/peer"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	DefaultQueueSize = 256
)

var (
	ErrClosed    = errors.New("udp: transport closed")
	ErrQueueFull = errors.New("udp: outbound queue full")
	ErrTooLarge  = errors.New("udp: payload exceeds datagram size")
)

type outbox struct {
	hostport string
	conn     *net.UDPConn
	queue    chan []byte
}

type Transport struct {
	conn      *net.UDPConn
	queueSize int

	sg singleflight.Group

	mu       sync.Mutex
	closed   bool
	outboxes map[string]*outbox
	wg       sync.WaitGroup
}

// Bind reserves the inbound endpoint. It fails if the address is already in use.
func Bind(listen string, queueSize int) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", listen, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind %s: %w", listen, err)
	}

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	log.Infof("udp: listening on %s", conn.LocalAddr())

	return &Transport{
		conn:      conn,
		queueSize: queueSize,
		outboxes:  make(map[string]*outbox),
	}, nil
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Connect opens the outbound endpoint for a peer. Calling it again for the
// same address reuses the existing endpoint.
func (t *Transport) Connect(a peer.Address) error {
	_, err := t.outbox(a.HostPort())
	return err
}

func (t *Transport) outbox(hostport string) (*outbox, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if ob, ok := t.outboxes[hostport]; ok {
		t.mu.Unlock()
		return ob, nil
	}
	t.mu.Unlock()

	v, err, _ := t.sg.Do(hostport, func() (interface{}, error) {
		t.mu.Lock()
		if ob, ok := t.outboxes[hostport]; ok {
			t.mu.Unlock()
			return ob, nil
		}
		t.mu.Unlock()

		raddr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("udp: resolve %s: %w", hostport, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("udp: dial %s: %w", hostport, err)
		}

		ob := &outbox{
			hostport: hostport,
			conn:     conn,
			queue:    make(chan []byte, t.queueSize),
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			conn.Close()
			return nil, ErrClosed
		}
		t.outboxes[hostport] = ob
		t.wg.Add(1)
		go t.drain(ob)

		log.Debugf("udp: opened outbound endpoint to %s", hostport)

		return ob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*outbox), nil
}

func (t *Transport) drain(ob *outbox) {
	defer t.wg.Done()
	defer ob.conn.Close()

	for payload := range ob.queue {
		if _, err := ob.conn.Write(payload); err != nil {
			// Refused writes on a connected socket just mean nobody is listening yet.
			log.Debugf("udp: write to %s failed: %v", ob.hostport, err)
		}
	}
}

// Send queues a datagram for the peer and returns immediately. Peers that were
// never connected are connected on first use.
func (t *Transport) Send(a peer.Address, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	ob, err := t.outbox(a.HostPort())
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	select {
	case ob.queue <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, ob.hostport)
	}
}

// Listen hands every received datagram to handler until ctx is cancelled or
// the transport is closed. Read errors on a live socket are logged and skipped.
func (t *Transport) Listen(ctx context.Context, handler func(payload []byte)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			log.Errorf("udp: failed to read datagram: %v", err)
			continue
		}

		log.Tracef("udp: %d bytes from %s", n, from)

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload)
	}
}

// Close stops all writers after they flush their queues and closes the sockets.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	for _, ob := range t.outboxes {
		close(ob.queue)
	}
	t.mu.Unlock()

	t.wg.Wait()

	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
