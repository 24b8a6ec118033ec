// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"errors"
	"fmt"

	"github.com/creachadair/hilbox/discovery"
)

var (
	// ErrDiscoveryTimeout is reported when a peer identity is not advertised
	// within the resolver's time bound.
	ErrDiscoveryTimeout = discovery.ErrTimeout

	// ErrRPCTimeout is reported by a call when no reply arrives in time.
	// Either the request or the reply may have been lost.
	ErrRPCTimeout = errors.New("timed out waiting for reply")

	// ErrTransferFailed matches any *TransferError via errors.Is.
	ErrTransferFailed = errors.New("firmware transfer failed")

	// ErrAckTimeout is the cause of a transfer failure when a frame was not
	// acknowledged after all permitted attempts.
	ErrAckTimeout = errors.New("timed out waiting for ack")

	// ErrBadAck is the cause of a transfer failure when the receiver replied
	// with an unrecognized marker or an unexpected sequence number.
	ErrBadAck = errors.New("unexpected acknowledgement")
)

// CallError is the concrete type of errors reported by a peer in reply to a
// call, for example an unknown method or a handler failure.
type CallError struct {
	Method  string // the method that was called
	Message string // the error message reported by the peer
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	return fmt.Sprintf("call %q: %s", c.Method, c.Message)
}

// Stage identifies the step of a firmware transfer.
type Stage string

const (
	StageBegin Stage = "begin"
	StageData  Stage = "data"
	StageEnd   Stage = "end"
)

// TransferError is the concrete type of errors reported by SendFirmware.
type TransferError struct {
	Stage Stage  // the step that failed
	Seq   uint16 // the sequence number of the failed frame
	Err   error  // the underlying cause
}

// Error satisfies the error interface.
func (t *TransferError) Error() string {
	return fmt.Sprintf("transfer failed at %s (seq %d): %v", t.Stage, t.Seq, t.Err)
}

// Unwrap reports the underlying cause of t.
func (t *TransferError) Unwrap() error { return t.Err }

// Is reports whether target is ErrTransferFailed.
func (t *TransferError) Is(target error) bool { return target == ErrTransferFailed }

// RejectError is the cause of a transfer failure when the receiver sent a
// negative acknowledgement. Reason is the receiver's explanation, for example
// a size or digest mismatch.
type RejectError struct {
	Seq    uint16
	Reason string
}

// Error satisfies the error interface.
func (r *RejectError) Error() string {
	return fmt.Sprintf("rejected by peer: %s", r.Reason)
}
