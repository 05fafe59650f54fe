// Copyright (c) 2024 KrakenFS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transfer

import (
	"os"
	"time"
)

// sessionKind tags which of the session's state fields is live.
type sessionKind uint8

const (
	kindUnclassified sessionKind = iota
	kindReceiving
	kindSending
)

func (k sessionKind) String() string {
	switch k {
	case kindUnclassified:
		return "unclassified"
	case kindReceiving:
		return "receiving"
	case kindSending:
		return "sending"
	default:
		return "unknown"
	}
}

// session is the per-socket transfer state. Exactly one of header, recv and
// send is non-nil, matching kind.
type session struct {
	kind    sessionKind
	hash    ContentHash
	handler Handler
	started time.Time

	// finished guards the single Handler invocation.
	finished bool

	header *headerBuffer
	recv   *receiveState
	send   *sendState
}

// receiveState is a pending or bound inbound transfer. It owns file.
type receiveState struct {
	path     string
	file     *os.File
	declared uint64
	received uint64
}

// sendState is an outbound transfer. It owns file.
type sendState struct {
	path   string
	file   *os.File
	header [HeaderSize]byte
	hcur   cursor
	body   cursor
	eof    bool
}

func newUnclassifiedSession(now time.Time) *session {
	return &session{
		kind:    kindUnclassified,
		started: now,
		header:  &headerBuffer{},
	}
}

func newReceiveSession(hash ContentHash, path string, f *os.File, h Handler, now time.Time) *session {
	return &session{
		kind:    kindReceiving,
		hash:    hash,
		handler: h,
		started: now,
		recv:    &receiveState{path: path, file: f},
	}
}

func newSendSession(hash ContentHash, path string, f *os.File, size int64, h Handler, now time.Time) *session {
	st := &sendState{
		path:   path,
		file:   f,
		header: Header{Hash: hash, Size: uint64(size)}.Marshal(),
		hcur:   newCursor(HeaderSize),
		body:   newCursor(size),
	}
	return &session{
		kind:    kindSending,
		hash:    hash,
		handler: h,
		started: now,
		send:    st,
	}
}

// sendComplete reports whether every header and body byte was accepted.
func (s *session) sendComplete() bool {
	return s.send != nil && s.send.hcur.done() && s.send.eof
}

// bytes returns the body bytes moved so far in either direction.
func (s *session) bytes() int64 {
	switch s.kind {
	case kindReceiving:
		return int64(s.recv.received)
	case kindSending:
		return s.send.body.pos
	default:
		return 0
	}
}

// finish invokes the Handler at most once. Unclassified sessions have none.
func (s *session) finish(err error) {
	if s.finished || s.handler == nil {
		return
	}
	s.finished = true
	s.handler.OnFinish(s.hash, err)
}

// release closes the owned file. Safe to call more than once.
func (s *session) release() error {
	var f *os.File
	switch s.kind {
	case kindReceiving:
		f, s.recv.file = s.recv.file, nil
	case kindSending:
		f, s.send.file = s.send.file, nil
	case kindUnclassified:
		s.header = nil
	}
	if f == nil {
		return nil
	}
	return f.Close()
}
