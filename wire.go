// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/hilbox/packet"
)

// A Conn is an unreliable datagram endpoint shared by a peer and its remote
// counterparts. Datagrams may be lost, duplicated, or reordered in transit.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Conn interface {
	// Send the datagram to d.Addr. A point-to-point implementation may ignore
	// the address.
	Send(d *Datagram) error

	// Recv blocks until the next datagram is available or ctx ends.
	// When ctx ends, Recv reports the error from ctx.
	Recv(ctx context.Context) (*Datagram, error)

	// Close the endpoint, causing any pending receive operations to terminate
	// and report an error. After a conn is closed, all further operations on
	// it must report an error.
	Close() error
}

// A Datagram is a single self-delimited message. For a received datagram,
// Addr is the sender; for an outbound datagram, Addr is the destination.
type Datagram struct {
	Addr net.Addr
	Data []byte
}

// String returns a human-friendly rendering of the datagram.
func (d *Datagram) String() string {
	return fmt.Sprintf("Datagram(%v, %s)", d.Addr, describe(d.Data))
}

// describe renders the contents of a datagram for logging.
func describe(data []byte) string {
	if ack, err := ParseAck(data); err == nil {
		return ack.String()
	}
	if len(data) == 0 {
		return "empty"
	}
	switch Tag(data[0]) {
	case TagRPC:
		return fmt.Sprintf("RPC [%d bytes]", len(data)-1)
	case TagOTA:
		f, err := ParseFrame(data)
		if err != nil {
			break
		}
		if f.Seq == 0 {
			var c control
			if c.Decode(f.Payload) == nil {
				return fmt.Sprintf("OTA(seq=0, %s)", c.Cmd)
			}
		}
		return fmt.Sprintf("OTA(seq=%d, [%d bytes])", f.Seq, len(f.Payload))
	}
	return fmt.Sprintf("%v", data)
}

// Tag is the leading byte of a datagram, which selects the logical channel
// that interprets the remainder.
type Tag byte

const (
	TagRPC Tag = 0 // Remote procedure call request or reply
	TagOTA Tag = 1 // Firmware transfer control or data frame
)

func (t Tag) String() string {
	switch t {
	case TagRPC:
		return "RPC"
	case TagOTA:
		return "OTA"
	default:
		return fmt.Sprintf("TAG:%d", byte(t))
	}
}

// A PacketLogger logs a datagram exchanged with a remote endpoint.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a datagram and a flag indicating whether the datagram
// was sent or received.
type PacketInfo struct {
	*Datagram      // the datagram being logged
	Sent      bool // whether the datagram was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Datagram)
}

// A Frame is the parsed format of an OTA datagram. Sequence 0 carries an
// encoded control record; sequences 1 and up carry raw image chunks.
type Frame struct {
	Seq     uint16
	Payload []byte
}

// frameHeaderLen is the size of the OTA frame header: tag(1) + seq(2).
const frameHeaderLen = 3

// Encode encodes f in binary format, including the channel tag.
func (f Frame) Encode() []byte {
	b := packet.NewBuilder(frameHeaderLen + len(f.Payload))
	b.Put(byte(TagOTA))
	b.Uint16(f.Seq)
	b.Put(f.Payload...)
	return b.Bytes()
}

// ParseFrame parses an OTA datagram including its channel tag. The payload of
// the resulting frame aliases data.
func ParseFrame(data []byte) (Frame, error) {
	s := packet.NewScanner(data)
	tag, err := s.Byte()
	if err != nil {
		return Frame{}, errors.New("empty frame")
	} else if Tag(tag) != TagOTA {
		return Frame{}, fmt.Errorf("wrong channel tag %v", Tag(tag))
	}
	seq, err := s.Uint16()
	if err != nil {
		return Frame{}, fmt.Errorf("short frame header: %w", err)
	}
	return Frame{Seq: seq, Payload: s.Rest()}, nil
}

// Acknowledgement markers. An ack is not channel-tagged; the 3-byte marker is
// followed by the big-endian echoed sequence number. A negative ack is
// followed by a UTF-8 reason string.
const (
	ackMarker = "AOK"
	nakMarker = "NAK"
	ackLen    = 5
)

// An Ack is the receiver's response to one OTA frame.
type Ack struct {
	Seq    uint16
	NAK    bool   // the receiver rejected the frame
	Reason string // why the frame was rejected, if NAK
}

// Encode encodes a in binary format.
func (a Ack) Encode() []byte {
	b := packet.NewBuilder(ackLen + len(a.Reason))
	if a.NAK {
		b.PutString(nakMarker)
	} else {
		b.PutString(ackMarker)
	}
	b.Uint16(a.Seq)
	if a.NAK {
		b.PutString(a.Reason)
	}
	return b.Bytes()
}

// String returns a human-friendly rendering of the ack.
func (a Ack) String() string {
	if a.NAK {
		return fmt.Sprintf("NAK(seq=%d, %q)", a.Seq, a.Reason)
	}
	return fmt.Sprintf("ACK(seq=%d)", a.Seq)
}

// ParseAck parses an acknowledgement datagram.
func ParseAck(data []byte) (Ack, error) {
	if len(data) < ackLen {
		return Ack{}, fmt.Errorf("short ack (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	mark, _ := packet.Get[string](s, len(ackMarker))
	seq, _ := s.Uint16()
	switch mark {
	case ackMarker:
		if s.Len() != 0 {
			return Ack{}, fmt.Errorf("ack has %d extra bytes", s.Len())
		}
		return Ack{Seq: seq}, nil
	case nakMarker:
		return Ack{Seq: seq, NAK: true, Reason: string(s.Rest())}, nil
	default:
		return Ack{}, fmt.Errorf("invalid ack marker %q", mark)
	}
}

// Control commands carried by sequence 0 frames.
const (
	cmdBegin = "BEGIN"
	cmdEnd   = "END"
)

// control is the record carried by a sequence 0 OTA frame.
type control struct {
	Cmd    string `codec:"cmd"`
	Size   int    `codec:"size,omitempty"`
	Digest []byte `codec:"sha,omitempty"`
}

// Encode encodes c in binary format.
func (c control) Encode() ([]byte, error) { return marshal(c) }

// Decode decodes data into a control record.
func (c *control) Decode(data []byte) error {
	*c = control{}
	if err := unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid control record: %w", err)
	}
	return nil
}
