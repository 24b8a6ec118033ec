// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// An ImageStore persists a verified firmware image. Commit must either
// store the complete image under its committed name or leave any previously
// committed image unchanged.
type ImageStore interface {
	Commit(image []byte) error
}

// MaxImageSize is the largest image size a receiver will accept in a BEGIN
// record.
const MaxImageSize = 64 << 20

// otaState is the state of the receiver. The concrete type is either otaIdle
// or *otaReceiving. A BEGIN always installs a new value.
type otaState interface{ isOTAState() }

type otaIdle struct{}

type otaReceiving struct {
	owner  string // address of the host that sent BEGIN
	size   int    // declared image size
	digest []byte // declared SHA-256 digest
	buf    []byte // accumulated image bytes
	next   int    // next expected data sequence number
}

func (otaIdle) isOTAState()       {}
func (*otaReceiving) isOTAState() {}

// OTAEventKind classifies a firmware transfer event reported by a peer.
type OTAEventKind int

const (
	OTABegin     OTAEventKind = iota + 1 // a new transfer started
	OTAChunk                             // a data chunk was accepted
	OTADuplicate                         // a duplicate chunk was re-acknowledged
	OTAIgnored                           // a frame was dropped without reply
	OTAReject                            // a frame was answered with a NAK
	OTACommit                            // the image was verified and committed
)

func (k OTAEventKind) String() string {
	switch k {
	case OTABegin:
		return "BEGIN"
	case OTAChunk:
		return "CHUNK"
	case OTADuplicate:
		return "DUPLICATE"
	case OTAIgnored:
		return "IGNORED"
	case OTAReject:
		return "REJECT"
	case OTACommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("event %d", int(k))
	}
}

// An OTAEvent describes one step of the receiver state machine.
type OTAEvent struct {
	Kind   OTAEventKind
	Seq    uint16
	Size   int    // bytes accumulated so far; the image size for BEGIN and COMMIT
	Reason string // set for IGNORED and REJECT
}

func (e OTAEvent) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("OTA %v seq=%d size=%d: %s", e.Kind, e.Seq, e.Size, e.Reason)
	}
	return fmt.Sprintf("OTA %v seq=%d size=%d", e.Kind, e.Seq, e.Size)
}

// otaStep is the outcome of feeding one frame to the receiver.
type otaStep struct {
	ack    *Ack // the reply to send, or nil
	event  OTAEvent
	commit bool // the image was committed; the peer must restart
}

// receiver is the device-side OTA state machine. It is driven only by the
// peer dispatch loop and requires no locking.
type receiver struct {
	state  otaState
	images ImageStore
}

func (r *receiver) reset() { r.state = otaIdle{} }

func (r *receiver) step(from string, f Frame) otaStep {
	if r.state == nil {
		r.reset()
	}
	if f.Seq == 0 {
		return r.control(from, f.Payload)
	}
	return r.chunk(from, f)
}

func reject(seq uint16, size int, format string, args ...any) otaStep {
	reason := fmt.Sprintf(format, args...)
	rootMetrics.otaRejected.Add(1)
	return otaStep{
		ack:   &Ack{Seq: seq, NAK: true, Reason: reason},
		event: OTAEvent{Kind: OTAReject, Seq: seq, Size: size, Reason: reason},
	}
}

func (r *receiver) control(from string, payload []byte) otaStep {
	var c control
	if err := c.Decode(payload); err != nil {
		r.reset()
		return reject(0, 0, "%v", err)
	}
	switch c.Cmd {
	case cmdBegin:
		if r.images == nil {
			return reject(0, 0, "firmware updates are not supported")
		} else if c.Size < 0 || c.Size > MaxImageSize {
			r.reset()
			return reject(0, 0, "invalid image size %d (max %d)", c.Size, MaxImageSize)
		} else if len(c.Digest) != sha256.Size {
			r.reset()
			return reject(0, 0, "invalid digest length %d (want %d)", len(c.Digest), sha256.Size)
		}
		r.state = &otaReceiving{
			owner:  from,
			size:   c.Size,
			digest: bytes.Clone(c.Digest),
			buf:    make([]byte, 0, c.Size),
			next:   1,
		}
		rootMetrics.otaBegin.Add(1)
		return otaStep{ack: &Ack{Seq: 0}, event: OTAEvent{Kind: OTABegin, Size: c.Size}}

	case cmdEnd:
		rs, ok := r.state.(*otaReceiving)
		if !ok {
			return reject(0, 0, "no transfer in progress")
		} else if rs.owner != from {
			return reject(0, len(rs.buf), "transfer in progress from another host")
		}
		r.reset() // the session is consumed whether or not it verifies

		if len(rs.buf) != rs.size {
			return reject(0, len(rs.buf), "size mismatch: received %d bytes, want %d", len(rs.buf), rs.size)
		}
		if sum := sha256.Sum256(rs.buf); !bytes.Equal(sum[:], rs.digest) {
			return reject(0, len(rs.buf), "digest mismatch: received %x, want %x", sum[:], rs.digest)
		}
		if err := r.images.Commit(rs.buf); err != nil {
			return reject(0, len(rs.buf), "commit failed: %v", err)
		}
		rootMetrics.otaCommitted.Add(1)
		return otaStep{
			ack:    &Ack{Seq: 0},
			event:  OTAEvent{Kind: OTACommit, Size: rs.size},
			commit: true,
		}

	default:
		r.reset()
		return reject(0, 0, "unknown control command %q", c.Cmd)
	}
}

func (r *receiver) chunk(from string, f Frame) otaStep {
	rs, ok := r.state.(*otaReceiving)
	if !ok {
		return reject(f.Seq, 0, "no transfer in progress")
	} else if rs.owner != from {
		return reject(f.Seq, len(rs.buf), "transfer in progress from another host")
	}

	switch seq := int(f.Seq); {
	case seq == rs.next:
		if len(rs.buf)+len(f.Payload) > rs.size {
			r.reset()
			return reject(f.Seq, len(rs.buf), "image exceeds declared size %d", rs.size)
		}
		rs.buf = append(rs.buf, f.Payload...)
		rs.next++
		rootMetrics.otaChunks.Add(1)
		return otaStep{ack: &Ack{Seq: f.Seq}, event: OTAEvent{Kind: OTAChunk, Seq: f.Seq, Size: len(rs.buf)}}

	case seq < rs.next:
		// The sender missed our ack and resent the chunk; acknowledge it
		// again without appending.
		rootMetrics.otaDups.Add(1)
		return otaStep{ack: &Ack{Seq: f.Seq}, event: OTAEvent{Kind: OTADuplicate, Seq: f.Seq, Size: len(rs.buf)}}

	default:
		rootMetrics.packetDropped.Add(1)
		return otaStep{event: OTAEvent{
			Kind:   OTAIgnored,
			Seq:    f.Seq,
			Size:   len(rs.buf),
			Reason: fmt.Sprintf("out of order, want seq %d", rs.next),
		}}
	}
}
