// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hilbox_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/hilbox"
	"github.com/creachadair/hilbox/channel"
	"github.com/creachadair/hilbox/firmware"
	"github.com/creachadair/hilbox/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// fastOpts are session options with short timeouts for tests that expect
// datagrams to be lost.
var fastOpts = &hilbox.Options{
	ReplyTimeout: 50 * time.Millisecond,
	AckTimeout:   50 * time.Millisecond,
}

// pong is the result of a successful ping.
var pong = map[string]any{"pong": true}

func testPeer() *hilbox.Peer {
	return hilbox.NewPeer().
		Handle("ping", func(context.Context, hilbox.Params) (any, error) {
			return map[string]any{"pong": true}, nil
		}).
		Handle("add", func(_ context.Context, ps hilbox.Params) (any, error) {
			var p struct {
				A, B int64
			}
			if err := ps.Decode(&p); err != nil {
				return nil, err
			}
			return p.A + p.B, nil
		}).
		Handle("fail", func(context.Context, hilbox.Params) (any, error) {
			return nil, errors.New("it broke")
		}).
		Handle("panic", func(context.Context, hilbox.Params) (any, error) {
			panic("ouch")
		}).
		Handle("peer?", func(ctx context.Context, _ hilbox.Params) (any, error) {
			return hilbox.ContextPeer(ctx) != nil, nil
		}).
		Handle("slow", func(ctx context.Context, _ hilbox.Params) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
}

func TestCall(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(testPeer().HandlerTimeout(20*time.Millisecond), nil)
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peer: %v", err)
		}
		t.Logf("Metrics at exit: %v", loc.Peer.Metrics())
	}()

	tests := []struct {
		method string
		params hilbox.Params
		want   any
		etext  string // if non-empty, the expected error message
	}{
		{"ping", nil, pong, ""},
		{"add", hilbox.Params{{Name: "A", Value: 2}, {Name: "B", Value: 3}}, int64(5), ""},
		{"nope", nil, nil, `unknown method "nope"`},
		{"fail", nil, nil, "it broke"},
		{"panic", nil, nil, "handler panicked (recovered): ouch"},
		{"peer?", nil, true, ""},
		{"slow", nil, nil, "context deadline exceeded"},
		{"add", hilbox.Params{{Name: "A", Value: "x"}}, nil, "decoding parameters"},
	}
	for _, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			got, err := loc.Session.Call(context.Background(), tc.method, tc.params)
			if tc.etext != "" {
				var ce *hilbox.CallError
				if !errors.As(err, &ce) {
					t.Fatalf("Call: got (%v, %v), want *CallError", got, err)
				}
				if ce.Method != tc.method || !strings.Contains(ce.Message, tc.etext) {
					t.Errorf("Call: got error %v, want %q", err, tc.etext)
				}
				return
			}
			if err != nil {
				t.Fatalf("Call: unexpected error: %v", err)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Call result (-got, +want):\n%s", diff)
			}
		})
	}

	// The peer is still responsive after all of the above.
	if got, err := loc.Session.Call(context.Background(), "ping", nil); err != nil || !cmp.Equal(got, pong) {
		t.Errorf("Call ping: got (%v, %v), want %v", got, err, pong)
	}
}

func TestMethods(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(testPeer(), nil)
	defer loc.Stop()

	var got []string
	if err := loc.Session.CallInto(context.Background(), hilbox.MethodList, nil, &got); err != nil {
		t.Fatalf("Call %s: %v", hilbox.MethodList, err)
	}
	want := []string{"add", "fail", "panic", "peer?", "ping", hilbox.MethodList, "slow"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Methods (-got, +want):\n%s", diff)
	}

	// Removing a handler removes it from the list, and the method.
	loc.Peer.Handle("fail", nil)
	if _, err := loc.Session.Call(context.Background(), "fail", nil); err == nil {
		t.Error("Call fail: got nil error after removing handler")
	}
}

func TestExec(t *testing.T) {
	p := testPeer()
	if got, err := p.Exec(context.Background(), "ping", nil); err != nil || !cmp.Equal(got, pong) {
		t.Errorf("Exec ping: got (%v, %v), want %v", got, err, pong)
	}
	if got, err := p.Exec(context.Background(), "nope", nil); err == nil {
		t.Errorf("Exec nope: got %v, want error", got)
	}
	mtest.MustPanic(t, func() { p.Exec(context.Background(), "panic", nil) })
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	dev, host := channel.Direct()
	p := testPeer().Start(channel.Filter(dev, func(*hilbox.Datagram) bool { return false }))
	defer p.Stop()
	s := hilbox.NewSession(host, nil, fastOpts)
	defer s.Close()

	got, err := s.Call(context.Background(), "ping", nil)
	if !errors.Is(err, hilbox.ErrRPCTimeout) {
		t.Errorf("Call: got (%v, %v), want %v", got, err, hilbox.ErrRPCTimeout)
	}
}

func TestCallCancel(t *testing.T) {
	defer leaktest.Check(t)()

	dev, host := channel.Direct()
	defer dev.Close()
	s := hilbox.NewSession(host, nil, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if got, err := s.Call(ctx, "ping", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got (%v, %v), want %v", got, err, context.Canceled)
	}
}

func TestMalformed(t *testing.T) {
	defer leaktest.Check(t)()

	dev, host := channel.Direct()
	p := testPeer().Start(dev)
	defer p.Stop()
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Datagrams that are empty, have an unknown tag, or a truncated OTA header
	// are dropped without reply. A malformed request gets an error reply.
	for _, data := range [][]byte{{}, {9, 9, 9}, {1, 0}, {0, 0xff, 0xff}} {
		if err := host.Send(&hilbox.Datagram{Data: data}); err != nil {
			t.Fatalf("Send %#v: %v", data, err)
		}
	}
	d, err := host.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var rsp hilbox.Response
	if d.Data[0] != byte(hilbox.TagRPC) {
		t.Fatalf("Reply: got %v, want an RPC reply", d)
	} else if err := rsp.Decode(d.Data[1:]); err != nil {
		t.Fatalf("Decode reply: %v", err)
	} else if !strings.Contains(rsp.Error, "invalid request") {
		t.Errorf("Reply: got %v, want invalid request error", rsp)
	}

	// The peer is still running.
	s := hilbox.NewSession(host, nil, nil)
	if got, err := s.Call(ctx, "ping", nil); err != nil || !cmp.Equal(got, pong) {
		t.Errorf("Call ping: got (%v, %v), want %v", got, err, pong)
	}
}

// otaLog records the data frames sent by a session.
type otaLog struct {
	μ      sync.Mutex
	chunks []int // payload sizes of data frames, in order sent
	seqs   []uint16
}

func (o *otaLog) log(pkt hilbox.PacketInfo) {
	if !pkt.Sent {
		return
	}
	f, err := hilbox.ParseFrame(pkt.Data)
	if err != nil {
		return
	}
	o.μ.Lock()
	defer o.μ.Unlock()
	o.seqs = append(o.seqs, f.Seq)
	if f.Seq != 0 {
		o.chunks = append(o.chunks, len(f.Payload))
	}
}

func TestFirmware(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		size   int
		chunks []int
	}{
		{0, nil},
		{1, []int{1}},
		{1024, []int{1024}},
		{1025, []int{1024, 1}},
		{2500, []int{1024, 1024, 452}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("size-%d", tc.size), func(t *testing.T) {
			store := new(firmware.MemStore)
			restarted := make(chan struct{})
			p := testPeer().Images(store).OnRestart(func() { close(restarted) })

			var progress []int
			loc := peers.NewLocal(p, &hilbox.Options{
				Progress: func(sent, total int) {
					if total != tc.size {
						t.Errorf("Progress: got total %d, want %d", total, tc.size)
					}
					progress = append(progress, sent)
				},
			})
			defer loc.Stop()

			var log otaLog
			loc.Session.LogPackets(log.log)

			blob := makeBlob(tc.size)
			if err := loc.Session.SendFirmware(context.Background(), blob); err != nil {
				t.Fatalf("SendFirmware: unexpected error: %v", err)
			}

			// After the final ack, the peer restarts and its loop exits.
			select {
			case <-restarted:
			case <-time.After(5 * time.Second):
				t.Fatal("Timed out waiting for restart")
			}
			if err := loc.Peer.Wait(); err != nil {
				t.Errorf("Peer exited with error: %v", err)
			}

			if got := store.Last(); !bytes.Equal(got, blob) || len(store.Images) != 1 {
				t.Errorf("Committed %d images, last %d bytes; want 1 of %d bytes", len(store.Images), len(got), len(blob))
			}
			if diff := cmp.Diff(log.chunks, tc.chunks); diff != "" {
				t.Errorf("Data frames (-got, +want):\n%s", diff)
			}
			var want []int
			sent := 0
			for _, n := range tc.chunks {
				sent += n
				want = append(want, sent)
			}
			if diff := cmp.Diff(progress, want); diff != "" {
				t.Errorf("Progress (-got, +want):\n%s", diff)
			}
		})
	}
}

func makeBlob(n int) []byte {
	blob := make([]byte, n)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	return blob
}

// dropAcks returns a filter that drops the first n acks for seq.
func dropAcks(seq uint16, n int) func(*hilbox.Datagram) bool {
	var μ sync.Mutex
	return func(d *hilbox.Datagram) bool {
		ack, err := hilbox.ParseAck(d.Data)
		if err != nil || ack.Seq != seq {
			return true
		}
		μ.Lock()
		defer μ.Unlock()
		if n > 0 {
			n--
			return false
		}
		return true
	}
}

func TestFirmwareRetry(t *testing.T) {
	defer leaktest.Check(t)()

	store := new(firmware.MemStore)
	var μ sync.Mutex
	var events []hilbox.OTAEventKind
	p := hilbox.NewPeer().Images(store).LogOTA(func(e hilbox.OTAEvent) {
		μ.Lock()
		defer μ.Unlock()
		events = append(events, e.Kind)
	})

	dev, host := channel.Direct()
	p.Start(channel.Filter(dev, dropAcks(2, 1)))
	defer p.Stop()
	s := hilbox.NewSession(host, nil, fastOpts)
	defer s.Close()

	retries := s.Metrics().Get("ota_retries").(*expvar.Int).Value()
	blob := makeBlob(2500)
	if err := s.SendFirmware(context.Background(), blob); err != nil {
		t.Fatalf("SendFirmware: unexpected error: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Errorf("Peer: %v", err)
	}

	// The lost ack caused chunk 2 to be sent again, and the peer acknowledged
	// the duplicate without appending it.
	if !bytes.Equal(store.Last(), blob) {
		t.Errorf("Committed image does not match (%d bytes, want %d)", len(store.Last()), len(blob))
	}
	want := []hilbox.OTAEventKind{
		hilbox.OTABegin, hilbox.OTAChunk, hilbox.OTAChunk, hilbox.OTADuplicate, hilbox.OTAChunk, hilbox.OTACommit,
	}
	if diff := cmp.Diff(events, want); diff != "" {
		t.Errorf("OTA events (-got, +want):\n%s", diff)
	}
	if got := s.Metrics().Get("ota_retries").(*expvar.Int).Value() - retries; got != 1 {
		t.Errorf("Retries: got %d, want 1", got)
	}
}

func TestFirmwareAckTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	store := new(firmware.MemStore)
	dev, host := channel.Direct()
	p := hilbox.NewPeer().Images(store).Start(channel.Filter(dev, dropAcks(2, 1000)))
	defer p.Stop()
	s := hilbox.NewSession(host, nil, &hilbox.Options{AckTimeout: 20 * time.Millisecond, Retries: 2})
	defer s.Close()

	var log otaLog
	s.LogPackets(log.log)

	err := s.SendFirmware(context.Background(), makeBlob(2500))
	if !errors.Is(err, hilbox.ErrTransferFailed) || !errors.Is(err, hilbox.ErrAckTimeout) {
		t.Fatalf("SendFirmware: got %v, want %v", err, hilbox.ErrAckTimeout)
	}
	var te *hilbox.TransferError
	if !errors.As(err, &te) || te.Stage != hilbox.StageData || te.Seq != 2 {
		t.Errorf("SendFirmware: got %#v, want data stage at seq 2", err)
	}

	// The sender never advanced past the unacknowledged chunk, which it sent
	// once plus two retries.
	if diff := cmp.Diff(log.seqs, []uint16{0, 1, 2, 2, 2}); diff != "" {
		t.Errorf("Frames sent (-got, +want):\n%s", diff)
	}
	if len(store.Images) != 0 {
		t.Errorf("Store: got %d images, want none", len(store.Images))
	}
}

// corrupt is a conn that flips a bit in the payload of data frame 1.
type corrupt struct{ hilbox.Conn }

func (c corrupt) Send(d *hilbox.Datagram) error {
	if f, err := hilbox.ParseFrame(d.Data); err == nil && f.Seq == 1 && len(f.Payload) > 0 {
		data := bytes.Clone(d.Data)
		data[len(data)-1] ^= 1
		d = &hilbox.Datagram{Addr: d.Addr, Data: data}
	}
	return c.Conn.Send(d)
}

func TestFirmwareDigestMismatch(t *testing.T) {
	defer leaktest.Check(t)()

	store := new(firmware.MemStore)
	dev, host := channel.Direct()
	p := testPeer().Images(store).Start(dev)
	defer p.Stop()
	s := hilbox.NewSession(corrupt{host}, nil, nil)
	defer s.Close()

	err := s.SendFirmware(context.Background(), makeBlob(100))
	var te *hilbox.TransferError
	var re *hilbox.RejectError
	if !errors.As(err, &te) || te.Stage != hilbox.StageEnd {
		t.Fatalf("SendFirmware: got %v, want failure at end", err)
	}
	if !errors.As(err, &re) || !strings.Contains(re.Reason, "digest mismatch") {
		t.Errorf("SendFirmware: got %v, want digest mismatch", err)
	}
	if len(store.Images) != 0 {
		t.Errorf("Store: got %d images, want none", len(store.Images))
	}

	// The peer did not restart, and still answers calls.
	if got, err := s.Call(context.Background(), "ping", nil); err != nil || !cmp.Equal(got, pong) {
		t.Errorf("Call ping: got (%v, %v), want %v", got, err, pong)
	}
}

func TestFirmwareDigestMismatchDir(t *testing.T) {
	previous := []byte("previous image")

	for _, tc := range []struct {
		name  string
		prior []byte // if non-nil, an image committed before the transfer
	}{
		{"Empty", nil},
		{"Existing", previous},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer leaktest.Check(t)()

			store := firmware.DirStore{Dir: t.TempDir()}
			if tc.prior != nil {
				if err := store.Commit(tc.prior); err != nil {
					t.Fatalf("Commit prior image: %v", err)
				}
			}

			dev, host := channel.Direct()
			p := testPeer().Images(store).Start(dev)
			defer p.Stop()
			s := hilbox.NewSession(corrupt{host}, nil, nil)
			defer s.Close()

			err := s.SendFirmware(context.Background(), makeBlob(2500))
			var re *hilbox.RejectError
			if !errors.As(err, &re) || !strings.Contains(re.Reason, "digest mismatch") {
				t.Fatalf("SendFirmware: got %v, want digest mismatch", err)
			}

			got, err := store.Load()
			if tc.prior == nil {
				if !errors.Is(err, os.ErrNotExist) {
					t.Errorf("Load: got (%d bytes, %v), want %v", len(got), err, os.ErrNotExist)
				}
			} else if err != nil || !bytes.Equal(got, tc.prior) {
				t.Errorf("Load: got (%q, %v), want %q", got, err, tc.prior)
			}

			temps, err := filepath.Glob(filepath.Join(store.Dir, ".image-*"))
			if err != nil {
				t.Fatalf("Glob: %v", err)
			}
			if len(temps) != 0 {
				t.Errorf("Temporary files left behind: %q", temps)
			}
		})
	}
}

func TestFirmwareNoStore(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(testPeer(), nil)
	defer loc.Stop()

	err := loc.Session.SendFirmware(context.Background(), makeBlob(10))
	var re *hilbox.RejectError
	if !errors.As(err, &re) {
		t.Fatalf("SendFirmware: got %v, want *RejectError", err)
	}
	var te *hilbox.TransferError
	if !errors.As(err, &te) || te.Stage != hilbox.StageBegin {
		t.Errorf("SendFirmware: got %v, want failure at begin", err)
	}
}

func TestFirmwareTooLarge(t *testing.T) {
	defer leaktest.Check(t)()

	dev, host := channel.Direct()
	defer dev.Close()
	s := hilbox.NewSession(host, nil, &hilbox.Options{ChunkSize: 1})
	defer s.Close()

	var log otaLog
	s.LogPackets(log.log)
	err := s.SendFirmware(context.Background(), make([]byte, 65536))
	var te *hilbox.TransferError
	if !errors.As(err, &te) || te.Stage != hilbox.StageBegin {
		t.Errorf("SendFirmware: got %v, want failure at begin", err)
	}
	if len(log.seqs) != 0 {
		t.Errorf("Sent %d frames, want none", len(log.seqs))
	}
}

// scripted runs a fake device on conn that answers each OTA frame with the
// datagrams returned by reply. It stops when conn closes.
func scripted(t *testing.T, conn hilbox.Conn, reply func(hilbox.Frame) [][]byte) *taskgroup.Single[error] {
	t.Helper()
	return taskgroup.Go(func() error {
		for {
			d, err := conn.Recv(context.Background())
			if err != nil {
				return nil
			}
			f, err := hilbox.ParseFrame(d.Data)
			if err != nil {
				t.Errorf("Device: invalid frame: %v", err)
				continue
			}
			for _, out := range reply(f) {
				conn.Send(&hilbox.Datagram{Addr: d.Addr, Data: out})
			}
		}
	})
}

func ack(seq uint16) []byte { return hilbox.Ack{Seq: seq}.Encode() }

func TestFirmwareAcks(t *testing.T) {
	tests := []struct {
		name  string
		reply func(hilbox.Frame) [][]byte
		want  error // nil for success
	}{
		{"StaleAck", func(f hilbox.Frame) [][]byte {
			if f.Seq == 2 {
				// A late duplicate of the ack for chunk 1 precedes the real one.
				return [][]byte{ack(1), ack(2)}
			}
			return [][]byte{ack(f.Seq)}
		}, nil},

		{"IgnoredReply", func(f hilbox.Frame) [][]byte {
			// A stray RPC reply is not an ack and is discarded.
			return [][]byte{{0, 0xa0}, ack(f.Seq)}
		}, nil},

		{"WrongSeq", func(f hilbox.Frame) [][]byte {
			if f.Seq == 2 {
				return [][]byte{ack(7)}
			}
			return [][]byte{ack(f.Seq)}
		}, hilbox.ErrBadAck},

		{"BadMarker", func(f hilbox.Frame) [][]byte {
			return [][]byte{[]byte("WAT\x00\x00")}
		}, hilbox.ErrBadAck},

		{"Reject", func(f hilbox.Frame) [][]byte {
			return [][]byte{hilbox.Ack{Seq: f.Seq, NAK: true, Reason: "go away"}.Encode()}
		}, &hilbox.RejectError{Reason: "go away"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer leaktest.Check(t)()

			dev, host := channel.Direct()
			dg := scripted(t, dev, tc.reply)
			defer func() { dev.Close(); dg.Wait() }()

			s := hilbox.NewSession(host, nil, fastOpts)
			defer s.Close()

			err := s.SendFirmware(context.Background(), makeBlob(2500))
			switch want := tc.want.(type) {
			case nil:
				if err != nil {
					t.Errorf("SendFirmware: unexpected error: %v", err)
				}
			case *hilbox.RejectError:
				var re *hilbox.RejectError
				if !errors.As(err, &re) || re.Reason != want.Reason {
					t.Errorf("SendFirmware: got %v, want reject %q", err, want.Reason)
				}
			default:
				if !errors.Is(err, want) {
					t.Errorf("SendFirmware: got %v, want %v", err, want)
				}
			}
		})
	}
}

func TestPeerStop(t *testing.T) {
	defer leaktest.Check(t)()

	p := testPeer()
	if err := p.Wait(); err != nil {
		t.Errorf("Wait on unstarted peer: %v", err)
	}

	// A stopped peer can be restarted on a new conn.
	for range 3 {
		loc := peers.NewLocal(p, nil)
		if got, err := loc.Session.Call(context.Background(), "ping", nil); err != nil || !cmp.Equal(got, pong) {
			t.Errorf("Call ping: got (%v, %v), want %v", got, err, pong)
		}
		if err := loc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}

	dev, _ := channel.Direct()
	p.Start(dev)
	mtest.MustPanic(t, func() { p.Start(dev) })
	p.Stop()
}

func TestLogPackets(t *testing.T) {
	defer leaktest.Check(t)()

	var μ sync.Mutex
	var got []string
	logger := func(who string) hilbox.PacketLogger {
		return func(pkt hilbox.PacketInfo) {
			μ.Lock()
			defer μ.Unlock()
			got = append(got, fmt.Sprintf("%s %v", who, pkt))
		}
	}
	p := testPeer().LogPackets(logger("peer"))
	loc := peers.NewLocal(p, nil)
	loc.Session.LogPackets(logger("host"))

	if _, err := loc.Session.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Call ping: %v", err)
	}
	loc.Stop()

	want := []string{
		"host send Datagram(<nil>, RPC [",
		"peer recv Datagram(B, RPC [",
		"peer send Datagram(B, RPC [",
		"host recv Datagram(A, RPC [",
	}
	if len(got) != len(want) {
		t.Fatalf("Logged %d packets, want %d:\n%s", len(got), len(want), strings.Join(got, "\n"))
	}
	for i := range want {
		if !strings.HasPrefix(got[i], want[i]) {
			t.Errorf("Packet %d: got %q, want prefix %q", i, got[i], want[i])
		}
	}
}
