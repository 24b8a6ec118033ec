// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package logging provides leveled structured logging for the hilbox
// commands. Messages carry alternating key/value arguments.
package logging

import (
	"io"

	"github.com/creachadair/hilbox"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

func logArgs(kv []any) [][]pterm.LoggerArgument {
	if len(kv) == 0 {
		return nil
	}
	return [][]pterm.LoggerArgument{pterm.DefaultLogger.Args(kv...)}
}

func Debug(msg string, kv ...any) { pterm.DefaultLogger.Debug(msg, logArgs(kv)...) }
func Info(msg string, kv ...any)  { pterm.DefaultLogger.Info(msg, logArgs(kv)...) }
func Warn(msg string, kv ...any)  { pterm.DefaultLogger.Warn(msg, logArgs(kv)...) }
func Error(msg string, kv ...any) { pterm.DefaultLogger.Error(msg, logArgs(kv)...) }

// EnableDebug configures the logger to show debug messages.
func EnableDebug() { pterm.DefaultLogger.Level = pterm.LogLevelDebug }

// SetOutput redirects log output to w.
func SetOutput(w io.Writer) { pterm.DefaultLogger.Writer = w }

// Packets returns a packet logger that reports each datagram at debug level,
// labelled with who.
func Packets(who string) hilbox.PacketLogger {
	return func(pkt hilbox.PacketInfo) {
		dir := "recv"
		if pkt.Sent {
			dir = "send"
		}
		Debug(who+" "+dir, "addr", pkt.Addr, "data", pkt.Datagram)
	}
}

// OTA returns a callback that reports firmware receiver events. Rejections
// are logged as warnings, commits at info level, and the rest at debug level.
func OTA() func(hilbox.OTAEvent) {
	return func(e hilbox.OTAEvent) {
		kv := []any{"seq", e.Seq, "size", e.Size}
		if e.Reason != "" {
			kv = append(kv, "reason", e.Reason)
		}
		switch e.Kind {
		case hilbox.OTAReject:
			Warn("ota "+e.Kind.String(), kv...)
		case hilbox.OTABegin, hilbox.OTACommit:
			Info("ota "+e.Kind.String(), kv...)
		default:
			Debug("ota "+e.Kind.String(), kv...)
		}
	}
}
