// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package hilbox implements the HilBox device protocol.
//
// A HilBox device is a small networked board that advertises itself by a
// stable identity, answers remote procedure calls, and accepts firmware
// updates over the air. All traffic is carried in UDP datagrams on a single
// port. The first byte of each datagram is a [Tag] selecting the logical
// channel that interprets the remainder: tag 0 carries calls and their
// replies, tag 1 carries firmware transfer frames. Acknowledgements of
// firmware frames are untagged.
//
// # Peers
//
// The device side of the protocol is the [Peer]. A peer runs a single
// dispatch loop over a [Conn], answering each call and advancing the firmware
// receiver one datagram at a time.
//
//	p := hilbox.NewPeer().
//	   Handle("ping", func(context.Context, hilbox.Params) (any, error) {
//	      return map[string]any{"pong": true}, nil
//	   }).
//	   Images(store)
//	p.Start(conn)
//
// The peer runs until [Peer.Stop] is called, the conn closes, or a firmware
// image is committed. Call [Peer.Wait] to wait for the peer to exit and
// report its status.
//
// # Sessions
//
// The host side of the protocol is the [Session], bound to the address of a
// single peer. A session issues calls:
//
//	res, err := s.Call(ctx, "add", hilbox.Params{{"a", 2}, {"b", 3}})
//
// Errors reported by the remote peer have concrete type [*CallError]. A call
// that receives no reply reports [ErrRPCTimeout].
//
// A session also transfers firmware images:
//
//	if err := s.SendFirmware(ctx, image); err != nil {
//	   log.Fatalf("Deploy failed: %v", err)
//	}
//
// The transfer is stop-and-wait: a BEGIN record announcing the size and
// SHA-256 digest of the image, then numbered data chunks, then an END
// record. Each frame is acknowledged by the peer before the next is sent.
// Errors have concrete type [*TransferError].
//
// # Discovery
//
// Devices are located by identity using multicast DNS. See the discovery
// package for the resolver, and the peers package for helpers that resolve a
// device and open a session to it.
//
// # Metrics
//
// Peers and sessions maintain a collection of metrics while running. Use
// [Peer.Metrics] or [Session.Metrics] to obtain an [expvar.Map] containing
// the metrics, which are shared globally. They include:
//
//   - packets_received: counter of datagrams received
//   - packets_sent: counter of datagrams sent
//   - packets_dropped: counter of datagrams received and discarded
//   - send_errors: counter of datagrams the conn failed to send
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - ota_begin: counter of firmware transfers started
//   - ota_chunks: counter of image chunks accepted
//   - ota_duplicates: counter of duplicate chunks acknowledged again
//   - ota_rejected: counter of frames refused by the receiver
//   - ota_committed: counter of images committed
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - ota_sent_chunks: counter of image chunks delivered by sessions
//   - ota_retries: counter of firmware frames resent after a timeout
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package hilbox
