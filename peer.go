// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Handler processes a call from a remote host. The value it returns is
// encoded as the result of the call. If it reports an error, the text of the
// error is returned to the caller instead.
//
// Handlers run on the dispatch loop of the peer, one at a time, so a handler
// that blocks delays every other call and firmware transfer. Long operations
// should be split into separate start and poll methods.
type Handler func(ctx context.Context, params Params) (any, error)

// MethodList is the name of a built-in method that reports the sorted names
// of the methods registered on a peer. A handler registered under this name
// replaces the built-in.
const MethodList = "rpc.methods"

// DefaultHandlerTimeout is the default bound on the context passed to a
// method handler.
const DefaultHandlerTimeout = time.Second

// A Peer implements the device side of the protocol. A zero-valued Peer is
// ready for use, but must not be copied after any method has been called.
//
// Call Start with a conn to start the dispatch loop for the peer. Once
// started, a peer runs until Stop is called, the conn closes, or a firmware
// image is committed. Use Wait to wait for the peer to exit and report its
// status.
//
// The dispatch loop handles one datagram at a time: RPC requests are passed
// to the registered handler and answered, OTA frames advance the firmware
// receiver and are acknowledged. Call Handle to add handlers; it is safe to
// do so while the peer is running.
type Peer struct {
	in  interface{ Recv(context.Context) (*Datagram, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Conn
	}
	tasks *taskgroup.Group
	stop  context.CancelFunc

	μ sync.Mutex

	err       error              // reason the dispatch loop exited
	mux       map[string]Handler // method name → handler
	plog      PacketLogger       // what it says on the tin
	olog      func(OTAEvent)     // firmware transfer events
	htimeout  time.Duration      // bound on handler contexts
	onRestart func()             // invoked after a committed image is acknowledged
	base      func() context.Context

	ota receiver // owned by the dispatch loop
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer running on the given conn. The peer runs until the
// conn closes, Stop is called, or an image is committed. Start does not block;
// call Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(conn Conn) *Peer {
	if p.in != nil {
		panic("peer is already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)

	p.μ.Lock()
	p.in = conn
	p.tasks = g
	p.stop = cancel
	p.out.ch = conn
	p.err = nil
	p.ota.reset()
	p.μ.Unlock()

	g.Go(func() error {
		for {
			d, err := p.in.Recv(ctx)
			if err != nil {
				p.fail(err)
				return nil
			}
			rootMetrics.packetRecv.Add(1)
			if p.dispatch(ctx, d) {
				// A committed image is terminal: the loop does not resume.
				p.fail(nil)
				return nil
			}
		}
	})
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// Stop closes the conn and terminates the peer. It blocks until the peer has
// exited and returns its status. After Stop completes it is safe to restart
// the peer with a new conn.
func (p *Peer) Stop() error {
	p.μ.Lock()
	stop := p.stop
	p.μ.Unlock()
	if stop != nil {
		stop()
	}
	p.closeOut()
	return p.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// Wait blocks until p terminates and reports the error that caused it to stop.
// After Wait completes it is safe to restart the peer with a new conn.
//
// If p is not running, was stopped, or exited after committing an image, Wait
// returns nil; otherwise it returns the error that terminated the loop.
func (p *Peer) Wait() error {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return nil // the peer is not running
	}
	t.Wait()

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.stop = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ota.reset()

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// Exec executes the (local) handler on p for the named method, if one exists.
// If no handler is defined for method, Exec reports an error naming it;
// otherwise it returns the result of calling the handler with params.
func (p *Peer) Exec(ctx context.Context, method string, params Params) (any, error) {
	p.μ.Lock()
	handler, ok := p.mux[method]
	p.μ.Unlock()
	if !ok {
		if method == MethodList {
			return p.methods(), nil
		}
		return nil, fmt.Errorf("unknown method %q", method)
	}
	return handler(ctx, params)
}

// Handle registers a handler for the specified method name. It is safe to call
// this while the peer is running. Passing a nil Handler removes any handler
// for the specified name. Handle returns p to permit chaining.
func (p *Peer) Handle(method string, handler Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.mux == nil {
		p.mux = make(map[string]Handler)
	}
	if handler == nil {
		delete(p.mux, method)
	} else {
		p.mux[method] = handler
	}
	return p
}

// Images sets the store that receives verified firmware images. A peer
// without an image store rejects every transfer. Images returns p to permit
// chaining. It must not be called while the peer is running.
func (p *Peer) Images(s ImageStore) *Peer {
	p.ota.images = s
	return p
}

// OnRestart registers a callback invoked after a firmware image has been
// committed and its final acknowledgement sent. On a device this resets the
// hardware and does not return; in any case the dispatch loop exits.
//
// Only one restart callback can be registered at a time; if f == nil the
// callback is removed.
func (p *Peer) OnRestart(f func()) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onRestart = f
	return p
}

// HandlerTimeout sets the bound on the context passed to method handlers.
// If d ≤ 0, DefaultHandlerTimeout is used. It returns p to permit chaining.
func (p *Peer) HandlerTimeout(d time.Duration) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.htimeout = d
	return p
}

// LogPackets registers a callback that will be invoked for each datagram
// exchanged with remote hosts, regardless of type, including datagrams to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// LogOTA registers a callback that will be invoked for each step of the
// firmware receiver. Passing nil disables it.
func (p *Peer) LogOTA(log func(OTAEvent)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.olog = log
	return p
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. This allows host resources to be plumbed into
// a handler. If it is not set a background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.base = base
	return p
}

// fail records the exit status of the loop and closes the conn.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	p.err = err
}

// dispatch routes an inbound datagram and reports whether the peer must
// restart.
func (p *Peer) dispatch(ctx context.Context, d *Datagram) bool {
	p.μ.Lock()
	plog, olog := p.plog, p.olog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Datagram: d, Sent: false})
	}
	if len(d.Data) == 0 {
		rootMetrics.packetDropped.Add(1)
		return false
	}

	switch Tag(d.Data[0]) {
	case TagRPC:
		p.dispatchRequest(ctx, d)

	case TagOTA:
		f, err := ParseFrame(d.Data)
		if err != nil {
			rootMetrics.packetDropped.Add(1)
			return false
		}
		step := p.ota.step(addrKey(d.Addr), f)
		if olog != nil {
			olog(step.event)
		}
		if step.ack != nil {
			p.sendOut(&Datagram{Addr: d.Addr, Data: step.ack.Encode()})
		}
		if step.commit {
			p.μ.Lock()
			restart := p.onRestart
			p.μ.Unlock()
			if restart != nil {
				restart()
			}
			return true
		}

	default:
		rootMetrics.packetDropped.Add(1)
	}
	return false
}

// dispatchRequest decodes and executes an RPC request, and sends the reply.
// Every well-tagged request gets exactly one reply.
func (p *Peer) dispatchRequest(ctx context.Context, d *Datagram) {
	rootMetrics.callIn.Add(1)

	var rsp Response
	var req Request
	if err := req.Decode(d.Data[1:]); err != nil {
		rsp.Error = err.Error()
	} else {
		rsp = p.invoke(ctx, &req)
	}
	if rsp.Error != "" {
		rootMetrics.callInErr.Add(1)
	}

	data, err := rsp.Encode()
	if err != nil {
		rootMetrics.callInErr.Add(1)
		data, _ = Response{Error: err.Error()}.Encode()
	}
	p.sendOut(&Datagram{Addr: d.Addr, Data: data})
}

// invoke runs the handler for req with a bounded context, converting errors
// and panics into an error response.
func (p *Peer) invoke(ctx context.Context, req *Request) (rsp Response) {
	p.μ.Lock()
	base, timeout := p.base, p.htimeout
	p.μ.Unlock()
	if base != nil {
		ctx = base()
	}
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(context.WithValue(ctx, peerContextKey{}, p), timeout)
	defer cancel()

	// Ensure a panic out of the handler is turned into a graceful response.
	defer func() {
		if x := recover(); x != nil {
			rsp = Response{Error: fmt.Sprintf("handler panicked (recovered): %v", x)}
		}
	}()
	res, err := p.Exec(hctx, req.Method, req.Params)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "handler failed"
		}
		return Response{Error: msg}
	}
	return Response{Result: res}
}

// methods returns the sorted names of the registered methods, including the
// built-in method list.
func (p *Peer) methods() []string {
	p.μ.Lock()
	defer p.μ.Unlock()
	names := []string{MethodList}
	for name := range p.mux {
		if name != MethodList {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (p *Peer) sendOut(d *Datagram) {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return
	}
	rootMetrics.packetSent.Add(1)
	if plog != nil {
		plog(PacketInfo{Datagram: d, Sent: true})
	}

	// A send failure on a datagram transport is not fatal to the loop: the
	// remote host observes it as a lost reply and may retry.
	if err := p.out.ch.Send(d); err != nil {
		rootMetrics.sendErr.Add(1)
	}
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

// addrKey returns a comparable key for a remote address.
func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.Network() + "/" + a.String()
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a method Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
