package crpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type SumArgs struct {
	A, B int
}

type SumReply struct {
	Sum int
}

type Calc struct{}

func (c *Calc) Add(args *SumArgs, reply *SumReply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (c *Calc) Fail(args *SumArgs, reply *SumReply) error {
	return errors.New("nope")
}

func (c *Calc) Boom(args *SumArgs, reply *SumReply) error {
	panic("boom")
}

// not an RPC method
func (c *Calc) Helper() int { return 0 }

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l)
	require.NoError(t, srv.Register(&Calc{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	client, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, client
}

func TestCall(t *testing.T) {
	_, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply SumReply
	require.NoError(t, client.Call(ctx, "Calc.Add", &SumArgs{A: 2, B: 40}, &reply))
	assert.Equal(t, 42, reply.Sum)

	// The stream stays usable after a handler error.
	err := client.Call(ctx, "Calc.Fail", &SumArgs{}, &reply)
	var se ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope", se.Error())

	err = client.Call(ctx, "Calc.Boom", &SumArgs{}, &reply)
	require.ErrorAs(t, err, &se)

	err = client.Call(ctx, "Calc.Missing", &SumArgs{}, &reply)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "unknown method")

	err = client.Call(ctx, "Nobody.Add", &SumArgs{}, &reply)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "unknown service")

	require.NoError(t, client.Call(ctx, "Calc.Add", &SumArgs{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Sum)
}

func TestConcurrentCalls(t *testing.T) {
	_, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	calls := make([]*Call, 20)
	replies := make([]SumReply, 20)
	for i := range calls {
		calls[i] = client.Go("Calc.Add", &SumArgs{A: i, B: i}, &replies[i])
	}
	for i, c := range calls {
		select {
		case <-c.Done:
			require.NoError(t, c.Error)
			assert.Equal(t, 2*i, replies[i].Sum)
		case <-ctx.Done():
			t.Fatal("timed out")
		}
	}
}

func TestRegister(t *testing.T) {
	srv := NewServer(nil)

	type hidden struct{}
	assert.Error(t, srv.Register(&hidden{}))

	require.NoError(t, srv.Register(&Calc{}))
	assert.Error(t, srv.Register(&Calc{}), "duplicate registration")

	_, _, err := srv.lookup("Calc.Helper")
	assert.ErrorIs(t, err, ErrNoMethod)
	_, _, err = srv.lookup("Add")
	assert.Error(t, err)
}

func TestClosedClient(t *testing.T) {
	_, client := startServer(t)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Close(), ErrShutdown)

	var reply SumReply
	err := client.Call(context.Background(), "Calc.Add", &SumArgs{}, &reply)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l)
	require.NoError(t, srv.Register(&Calc{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// One round trip so the server is serving this connection, then leave it idle.
	enc, dec := cbor.NewEncoder(conn), cbor.NewDecoder(conn)
	require.NoError(t, enc.Encode(&RequestHeader{Seq: 1, Method: "Calc.Add"}))
	require.NoError(t, enc.Encode(&SumArgs{A: 1, B: 2}))
	var res ResponseHeader
	require.NoError(t, dec.Decode(&res))
	assert.Empty(t, res.Err)
	var reply SumReply
	require.NoError(t, dec.Decode(&reply))
	assert.Equal(t, 3, reply.Sum)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "idle connection left open: %v", err)
}
