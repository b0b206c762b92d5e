// Package crpc is a small request/response RPC over a stream connection. Each
// call is a CBOR RequestHeader followed by the argument; each reply is a
// ResponseHeader followed, on success, by the result.
package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoService = errors.New("crpc: unknown service")
	ErrNoMethod  = errors.New("crpc: unknown method")
)

type method struct {
	fn        reflect.Method
	argType   reflect.Type
	replyType reflect.Type
}

type service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]*method
}

type Server struct {
	listener net.Listener
	services sync.Map // name -> *service

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
}

func NewServer(listener net.Listener) *Server {
	return &Server{listener: listener}
}

// Register publishes every method of rcvr shaped like
//
//	func (t *T) Name(args *A, reply *R) error
//
// under "T.Name".
func (srv *Server) Register(rcvr any) error {
	v := reflect.ValueOf(rcvr)
	name := reflect.Indirect(v).Type().Name()
	if name == "" || !token.IsExported(name) {
		return fmt.Errorf("crpc: cannot register unexported type %s", v.Type())
	}

	methods := rpcMethods(v.Type())
	if len(methods) == 0 {
		return fmt.Errorf("crpc: type %s has no methods of suitable type", name)
	}

	if _, dup := srv.services.LoadOrStore(name, &service{name: name, rcvr: v, methods: methods}); dup {
		return fmt.Errorf("crpc: service %s already registered", name)
	}

	for m := range methods {
		log.Debugf("crpc: registered %s.%s", name, m)
	}
	return nil
}

func exportedOrBuiltin(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

func rpcMethods(typ reflect.Type) map[string]*method {
	errType := reflect.TypeFor[error]()
	methods := make(map[string]*method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		t := m.Type
		if !m.IsExported() || t.NumIn() != 3 || t.NumOut() != 1 || t.Out(0) != errType {
			continue
		}
		arg, reply := t.In(1), t.In(2)
		if !exportedOrBuiltin(arg) || reply.Kind() != reflect.Pointer || !exportedOrBuiltin(reply) {
			log.Debugf("crpc: skipping %s.%s, unsuitable signature", typ, m.Name)
			continue
		}
		methods[m.Name] = &method{fn: m, argType: arg, replyType: reply}
	}
	return methods
}

func (srv *Server) lookup(name string) (*service, *method, error) {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return nil, nil, fmt.Errorf("crpc: ill-formed method %q", name)
	}
	si, ok := srv.services.Load(name[:dot])
	if !ok {
		return nil, nil, fmt.Errorf("%w %q", ErrNoService, name[:dot])
	}
	svc := si.(*service)
	m := svc.methods[name[dot+1:]]
	if m == nil {
		return nil, nil, fmt.Errorf("%w %q", ErrNoMethod, name)
	}
	return svc, m, nil
}

// Addr returns the listener address.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. Cancelling also closes
// every open connection, idle or not.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := srv.listener.Close(); err != nil {
			log.Warnf("crpc: closing listener %s: %v", srv.listener.Addr(), err)
		}
		srv.closeConns()
	}()

	var backoff time.Duration
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				log.Warnf("crpc: accept on %s: %v; retrying in %v", srv.listener.Addr(), err, backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}

		backoff = 0
		if !srv.track(conn) {
			conn.Close()
			return ctx.Err()
		}
		log.Debugf("crpc: connection from %s", conn.RemoteAddr())
		go srv.serveConn(ctx, conn)
	}
}

func (srv *Server) track(conn net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.shutdown {
		return false
	}
	if srv.conns == nil {
		srv.conns = make(map[net.Conn]struct{})
	}
	srv.conns[conn] = struct{}{}
	return true
}

func (srv *Server) untrack(conn net.Conn) {
	srv.mu.Lock()
	delete(srv.conns, conn)
	srv.mu.Unlock()
}

func (srv *Server) closeConns() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.shutdown = true
	for conn := range srv.conns {
		conn.Close()
	}
	log.Debugf("crpc: closed %d open connections", len(srv.conns))
	srv.conns = nil
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer srv.untrack(conn)
	defer conn.Close()

	dec := cbor.NewDecoder(conn)
	enc := cbor.NewEncoder(conn)

	for ctx.Err() == nil {
		var req RequestHeader
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc: %s closed", conn.RemoteAddr())
			} else {
				log.Warnf("crpc: bad request header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		svc, m, err := srv.lookup(req.Method)
		if err != nil {
			// The body is still on the wire; drain it so the stream stays in sync.
			var skip cbor.RawMessage
			if derr := dec.Decode(&skip); derr != nil {
				return
			}
			if werr := enc.Encode(&ResponseHeader{Seq: req.Seq, Err: err.Error()}); werr != nil {
				return
			}
			continue
		}

		argv := reflect.New(m.argType)
		if m.argType.Kind() == reflect.Pointer {
			argv = reflect.New(m.argType.Elem())
		}
		if err := dec.Decode(argv.Interface()); err != nil {
			log.Warnf("crpc: bad argument for %s from %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if m.argType.Kind() != reflect.Pointer {
			argv = argv.Elem()
		}

		replyv := reflect.New(m.replyType.Elem())
		callErr := svc.call(m, argv, replyv)

		res := &ResponseHeader{Seq: req.Seq}
		if callErr != nil {
			res.Err = callErr.Error()
		}
		if err := enc.Encode(res); err != nil {
			log.Warnf("crpc: writing response to %s: %v", conn.RemoteAddr(), err)
			return
		}
		if callErr == nil {
			if err := enc.Encode(replyv.Interface()); err != nil {
				log.Warnf("crpc: writing result to %s: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (svc *service) call(m *method, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc: panic in %s.%s: %v", svc.name, m.fn.Name, r)
			err = fmt.Errorf("crpc: internal error in %s.%s", svc.name, m.fn.Name)
		}
	}()

	out := m.fn.Func.Call([]reflect.Value{svc.rcvr, argv, replyv})
	if e := out[0].Interface(); e != nil {
		return e.(error)
	}
	return nil
}
