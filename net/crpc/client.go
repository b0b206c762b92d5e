package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// ServerError is an error string returned by the remote handler.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("crpc: connection is shut down")

// Call is one in-flight request.
type Call struct {
	Method string
	Args   any
	Reply  any
	Error  error
	Done   chan *Call
}

func (c *Call) finish() {
	select {
	case c.Done <- c:
	default:
		log.Debugf("crpc: dropping completion of %s, Done channel full", c.Method)
	}
}

type Client struct {
	conn io.ReadWriteCloser

	wmu sync.Mutex // serialises header+body writes
	enc *cbor.Encoder

	mu       sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool
	shutdown bool
}

func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		enc:     cbor.NewEncoder(conn),
		pending: make(map[uint64]*Call),
	}
	go c.readLoop()
	return c
}

// Dial connects to a crpc server over TCP.
func Dial(ctx context.Context, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (c *Client) register(call *Call) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.shutdown {
		return 0, false
	}
	seq := c.seq
	c.seq++
	c.pending[seq] = call
	return seq, true
}

func (c *Client) forget(seq uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.pending[seq]
	delete(c.pending, seq)
	return call
}

func (c *Client) send(call *Call) {
	seq, ok := c.register(call)
	if !ok {
		call.Error = ErrShutdown
		call.finish()
		return
	}

	c.wmu.Lock()
	err := c.enc.Encode(&RequestHeader{Seq: seq, Method: call.Method})
	if err == nil {
		err = c.enc.Encode(call.Args)
	}
	c.wmu.Unlock()

	if err != nil {
		if call := c.forget(seq); call != nil {
			call.Error = err
			call.finish()
		}
	}
}

func (c *Client) readLoop() {
	dec := cbor.NewDecoder(c.conn)

	var err error
	for err == nil {
		var res ResponseHeader
		if err = dec.Decode(&res); err != nil {
			break
		}

		call := c.forget(res.Seq)
		switch {
		case call == nil:
			log.Warnf("crpc: reply for unknown call %d", res.Seq)
			if res.Err == "" {
				var skip cbor.RawMessage
				err = dec.Decode(&skip)
			}
		case res.Err != "":
			call.Error = ServerError(res.Err)
			call.finish()
		default:
			if derr := dec.Decode(call.Reply); derr != nil {
				call.Error = derr
				err = derr
			}
			call.finish()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	if c.closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrShutdown
	} else {
		log.Warnf("crpc: client read loop: %v", err)
	}
	for seq, call := range c.pending {
		delete(c.pending, seq)
		call.Error = err
		call.finish()
	}
}

// Go starts a call and returns immediately.
func (c *Client) Go(method string, args, reply any) *Call {
	call := &Call{Method: method, Args: args, Reply: reply, Done: make(chan *Call, 1)}
	c.send(call)
	return call
}

// Call invokes method and waits for the reply or ctx.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	call := c.Go(method, args, reply)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.closing = true
	c.mu.Unlock()
	return c.conn.Close()
}
