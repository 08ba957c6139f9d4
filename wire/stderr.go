// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package wire

import "fmt"

// LogTag is one of the sentinel values multiplexed into the reply
// stream ahead of an operation's actual result (spec.md §4.10): the
// client reads LogTag values in a loop, handling each, until it reads
// [StderrLast], at which point the operation's typed reply follows.
type LogTag uint64

// Defined log tags, matching spec.md §4.10's list one-for-one.
const (
	StderrNext LogTag = 0x6f6c6167 + iota
	StderrError
	StderrStartActivity
	StderrStopActivity
	StderrResult
	StderrRead
	StderrWrite
	StderrLast
)

// LogMessage is one multiplexed log entry: a tag and whatever payload
// that tag carries (a line of text for [StderrNext] and [StderrError],
// an activity id for the activity tags, a byte count for [StderrRead]
// and [StderrWrite]). [StderrResult] and [StderrLast] carry no payload.
type LogMessage struct {
	Tag  LogTag
	Text string
	// ActivityID identifies the activity a StderrStartActivity or
	// StderrStopActivity message refers to.
	ActivityID uint64
	// N is the byte count requested by StderrRead, or written by
	// StderrWrite.
	N int
}

// WriteLog writes one log message to w.
func WriteLog(w *Writer, msg LogMessage) error {
	if err := w.Uint64(uint64(msg.Tag)); err != nil {
		return err
	}
	switch msg.Tag {
	case StderrNext, StderrError:
		return w.String(msg.Text)
	case StderrStartActivity, StderrStopActivity:
		return w.Uint64(msg.ActivityID)
	case StderrRead, StderrWrite:
		return w.Uint64(uint64(msg.N))
	case StderrResult, StderrLast:
		return nil
	default:
		return fmt.Errorf("wire: write log message: unknown tag %d", msg.Tag)
	}
}

// ReadLog reads one log message from r.
func ReadLog(r *Reader) (LogMessage, error) {
	tag, err := r.Uint64()
	if err != nil {
		return LogMessage{}, err
	}
	msg := LogMessage{Tag: LogTag(tag)}
	switch msg.Tag {
	case StderrNext, StderrError:
		msg.Text, err = r.String()
	case StderrStartActivity, StderrStopActivity:
		msg.ActivityID, err = r.Uint64()
	case StderrRead, StderrWrite:
		var n uint64
		n, err = r.Uint64()
		msg.N = int(n)
	case StderrResult, StderrLast:
	default:
		return LogMessage{}, fmt.Errorf("wire: read log message: unknown tag %d", msg.Tag)
	}
	if err != nil {
		return LogMessage{}, err
	}
	return msg, nil
}

// DrainLog reads log messages from r, calling handle for each one
// until it reads [StderrLast] (which it consumes but does not pass to
// handle), matching spec.md §4.10's "the client must drain log
// messages until STDERR_LAST before reading the operation's reply".
func DrainLog(r *Reader, handle func(LogMessage) error) error {
	for {
		msg, err := ReadLog(r)
		if err != nil {
			return err
		}
		if msg.Tag == StderrLast {
			return nil
		}
		if handle != nil {
			if err := handle(msg); err != nil {
				return err
			}
		}
	}
}
