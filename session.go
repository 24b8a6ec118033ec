// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"expvar"
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

// Default values for Options.
const (
	DefaultReplyTimeout = 3 * time.Second
	DefaultAckTimeout   = 3 * time.Second
	DefaultRetries      = 3
	DefaultChunkSize    = 1024
)

// Options are optional settings for a Session. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// How long to wait for the reply to a call.
	// If zero, use DefaultReplyTimeout.
	ReplyTimeout time.Duration

	// How long to wait for the acknowledgement of each firmware frame.
	// If zero, use DefaultAckTimeout.
	AckTimeout time.Duration

	// How many times to resend a firmware frame whose acknowledgement did not
	// arrive in time. If zero, use DefaultRetries; if negative, frames are
	// never resent.
	Retries int

	// The maximum number of image bytes per data frame.
	// If zero, use DefaultChunkSize.
	ChunkSize int

	// If set, Progress is called after each data frame is acknowledged with
	// the number of image bytes delivered so far and the total.
	Progress func(sent, total int)
}

func (o *Options) replyTimeout() time.Duration {
	if o == nil || o.ReplyTimeout <= 0 {
		return DefaultReplyTimeout
	}
	return o.ReplyTimeout
}

func (o *Options) ackTimeout() time.Duration {
	if o == nil || o.AckTimeout <= 0 {
		return DefaultAckTimeout
	}
	return o.AckTimeout
}

func (o *Options) attempts() int {
	if o == nil || o.Retries == 0 {
		return 1 + DefaultRetries
	} else if o.Retries < 0 {
		return 1
	}
	return 1 + o.Retries
}

func (o *Options) chunkSize() int {
	if o == nil || o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

func (o *Options) progress(sent, total int) {
	if o != nil && o.Progress != nil {
		o.Progress(sent, total)
	}
}

// A Session is the host side of the protocol, bound to a single remote peer.
// It issues calls and firmware transfers over a conn and matches the replies
// that arrive from the peer's address. Datagrams from other addresses are
// discarded.
//
// A session performs one exchange at a time: concurrent calls to Call and
// SendFirmware are serialized. The protocol has no request identifiers, so a
// reply that arrives after its call timed out may be taken as the reply to
// the next call.
type Session struct {
	conn Conn
	addr net.Addr
	opts *Options

	// Must hold the lock while exchanging datagrams with the peer.
	xmu sync.Mutex

	μ    sync.Mutex
	plog PacketLogger
}

// NewSession constructs a session that talks to the peer at addr over conn.
// If addr is nil, replies are accepted from any sender and outbound
// datagrams carry a nil address, as suits a point-to-point conn.
// A nil opts is ready for use and provides default options.
func NewSession(conn Conn, addr net.Addr, opts *Options) *Session {
	return &Session{conn: conn, addr: addr, opts: opts}
}

// Addr reports the address of the remote peer.
func (s *Session) Addr() net.Addr { return s.addr }

// Close closes the underlying conn.
func (s *Session) Close() error { return s.conn.Close() }

// Metrics returns a metrics map for the session. The map is shared with any
// peers in the same process.
func (s *Session) Metrics() *expvar.Map { return rootMetrics.emap }

// LogPackets registers a callback that will be invoked for each datagram
// sent or received by the session, including those that are discarded.
// Passing a nil callback disables packet logging.
func (s *Session) LogPackets(log PacketLogger) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.plog = log
	return s
}

// Call invokes the named method on the remote peer with the given parameters
// and returns the decoded result.
//
// If the peer reports an error, Call returns a *CallError carrying its
// message. If no reply arrives within the reply timeout, Call reports
// ErrRPCTimeout; the call is not retried, since it may already have run.
func (s *Session) Call(ctx context.Context, method string, params Params) (any, error) {
	s.xmu.Lock()
	defer s.xmu.Unlock()

	rootMetrics.callOut.Add(1)
	res, err := s.call(ctx, method, params)
	if err != nil {
		rootMetrics.callOutErr.Add(1)
	}
	return res, err
}

// CallInto invokes the named method as Call does, and decodes its result into
// out, which must be a pointer.
func (s *Session) CallInto(ctx context.Context, method string, params Params, out any) error {
	res, err := s.Call(ctx, method, params)
	if err != nil {
		return err
	}
	data, err := marshal(res)
	if err != nil {
		return err
	}
	if err := unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding result of %q: %w", method, err)
	}
	return nil
}

func (s *Session) call(ctx context.Context, method string, params Params) (any, error) {
	req, err := Request{Method: method, Params: params}.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.send(req); err != nil {
		return nil, err
	}

	var rsp Response
	err = s.await(ctx, s.opts.replyTimeout(), func(data []byte) (bool, error) {
		if len(data) == 0 || Tag(data[0]) != TagRPC {
			return false, nil // not a reply, e.g., a late ack
		}
		if err := rsp.Decode(data[1:]); err != nil {
			return true, err
		}
		return true, nil
	})
	if errors.Is(err, errAwaitTimeout) {
		return nil, ErrRPCTimeout
	} else if err != nil {
		return nil, err
	}
	if rsp.Error != "" {
		return nil, &CallError{Method: method, Message: rsp.Error}
	}
	return rsp.Result, nil
}

// SendFirmware transfers blob to the remote peer as a firmware image. The
// transfer announces the size and SHA-256 digest of the image, sends it in
// numbered chunks, and asks the peer to verify and commit it. Each frame is
// acknowledged before the next is sent, and a frame whose acknowledgement
// does not arrive in time is resent up to the configured number of retries.
//
// On success the peer has committed the image and is expected to restart.
// Any failure is reported as a *TransferError, which matches
// ErrTransferFailed; if the peer refused a frame, its cause is a
// *RejectError.
func (s *Session) SendFirmware(ctx context.Context, blob []byte) error {
	s.xmu.Lock()
	defer s.xmu.Unlock()

	size := s.opts.chunkSize()
	nchunks := (len(blob) + size - 1) / size
	if nchunks > math.MaxUint16 {
		return &TransferError{Stage: StageBegin, Err: fmt.Errorf(
			"image of %d bytes needs %d chunks, more than %d", len(blob), nchunks, math.MaxUint16)}
	}

	digest := sha256.Sum256(blob)
	begin, err := control{Cmd: cmdBegin, Size: len(blob), Digest: digest[:]}.Encode()
	if err != nil {
		return &TransferError{Stage: StageBegin, Err: err}
	}
	if err := s.exchange(ctx, Frame{Seq: 0, Payload: begin}, -1); err != nil {
		return &TransferError{Stage: StageBegin, Err: err}
	}

	prev := 0
	for i := range nchunks {
		seq := uint16(i + 1)
		lo := i * size
		hi := min(lo+size, len(blob))
		if err := s.exchange(ctx, Frame{Seq: seq, Payload: blob[lo:hi]}, prev); err != nil {
			return &TransferError{Stage: StageData, Seq: seq, Err: err}
		}
		rootMetrics.otaSent.Add(1)
		s.opts.progress(hi, len(blob))
		prev = int(seq)
	}

	end, err := control{Cmd: cmdEnd}.Encode()
	if err != nil {
		return &TransferError{Stage: StageEnd, Err: err}
	}
	if err := s.exchange(ctx, Frame{Seq: 0, Payload: end}, prev); err != nil {
		return &TransferError{Stage: StageEnd, Err: err}
	}
	return nil
}

// exchange sends f and waits for its acknowledgement, resending it on
// timeout. If prev ≥ 0, a positive ack for sequence prev is a late duplicate
// for the preceding frame, and is skipped.
func (s *Session) exchange(ctx context.Context, f Frame, prev int) error {
	data := f.Encode()
	for try := range s.opts.attempts() {
		if try > 0 {
			rootMetrics.otaRetries.Add(1)
		}
		if err := s.send(data); err != nil {
			return err
		}
		err := s.await(ctx, s.opts.ackTimeout(), func(data []byte) (bool, error) {
			ack, err := ParseAck(data)
			switch {
			case err != nil && len(data) > 0 && (Tag(data[0]) == TagRPC || Tag(data[0]) == TagOTA):
				return false, nil // a channel datagram, not an ack
			case err != nil:
				return true, fmt.Errorf("%w: %v", ErrBadAck, err)
			case ack.NAK:
				return true, &RejectError{Seq: ack.Seq, Reason: ack.Reason}
			case ack.Seq == f.Seq:
				return true, nil
			case prev >= 0 && int(ack.Seq) == prev:
				return false, nil
			default:
				return true, fmt.Errorf("%w: got seq %d, want %d", ErrBadAck, ack.Seq, f.Seq)
			}
		})
		if !errors.Is(err, errAwaitTimeout) {
			return err
		}
	}
	return ErrAckTimeout
}

// errAwaitTimeout is reported by await when its time bound elapses.
var errAwaitTimeout = errors.New("await timeout")

// await receives datagrams from the peer until accept reports done, the
// timeout elapses, or ctx ends. Datagrams from other senders and those
// accept declines are discarded.
func (s *Session) await(ctx context.Context, timeout time.Duration, accept func([]byte) (bool, error)) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		d, err := s.conn.Recv(tctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var nerr net.Error
			if tctx.Err() != nil || (errors.As(err, &nerr) && nerr.Timeout()) {
				return errAwaitTimeout
			}
			return err
		}
		rootMetrics.packetRecv.Add(1)
		s.logPacket(d, false)

		if !sameAddr(s.addr, d.Addr) {
			rootMetrics.packetDropped.Add(1)
			continue
		}
		done, err := accept(d.Data)
		if done {
			return err
		}
		rootMetrics.packetDropped.Add(1)
	}
}

func (s *Session) send(data []byte) error {
	d := &Datagram{Addr: s.addr, Data: data}
	rootMetrics.packetSent.Add(1)
	s.logPacket(d, true)
	if err := s.conn.Send(d); err != nil {
		rootMetrics.sendErr.Add(1)
		return err
	}
	return nil
}

func (s *Session) logPacket(d *Datagram, sent bool) {
	s.μ.Lock()
	plog := s.plog
	s.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Datagram: d, Sent: sent})
	}
}

// sameAddr reports whether got is the address want. A nil want matches any
// address.
func sameAddr(want, got net.Addr) bool {
	if want == nil {
		return true
	} else if got == nil {
		return false
	}
	wu, ok1 := want.(*net.UDPAddr)
	gu, ok2 := got.(*net.UDPAddr)
	if ok1 && ok2 {
		return wu.Port == gu.Port && wu.IP.Equal(gu.IP)
	}
	return addrKey(want) == addrKey(got)
}
