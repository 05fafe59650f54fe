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

// Package transport defines the contract between the transfer engine and a
// reliable-stream-over-datagram transport.
//
// A transport never calls into the engine on its own goroutines. Instead it
// queues socket events and signals Ready; the owner of the event loop then
// calls Process, which dispatches every queued event to the supplied
// Callbacks synchronously, one at a time.
package transport

import (
	"fmt"
	"net"
)

// SocketID identifies a socket for the lifetime of its transport.
type SocketID uint64

func (id SocketID) String() string {
	return fmt.Sprintf("sock-%d", uint64(id))
}

// Socket is a single bidirectional byte stream.
type Socket interface {
	ID() SocketID

	// Write offers p to the transport and returns how many bytes were
	// accepted. It never blocks; a short count means the transport's send
	// window is full and a writable event will follow once space frees up.
	Write(p []byte) int

	// ReadDrained acknowledges that the last read delivery was consumed,
	// letting the transport advance its receive window.
	ReadDrained()

	// Buffered reports bytes accepted by Write that the transport has not
	// yet handed off. Zero means every accepted byte has left the socket's
	// own buffer: the mem transport has queued it as a read on the peer,
	// and the quic transport has written it to the QUIC stream, which
	// retransmits until the peer acknowledges. Neither means the peer
	// application consumed it. A send is complete once Buffered is zero and
	// Close is called; Close sends EOF (FIN on QUIC) after those bytes.
	// Bytes still buffered when the peer goes away are discarded.
	Buffered() int

	// Close finishes the stream. Queued bytes are still flushed. A
	// destroying event follows once the transport releases the socket.
	Close()

	RemoteAddr() net.Addr
}

// Callbacks receives socket events. Implementations must return normally;
// failures are theirs to handle.
type Callbacks interface {
	OnConnect(s Socket)
	OnWritable(s Socket)
	OnRead(s Socket, p []byte)
	OnEOF(s Socket)
	OnError(s Socket, err error)
	OnDestroying(s Socket)
}

// Transport is the socket factory and event source.
type Transport interface {
	// Connect creates an outbound socket. It returns immediately; a connect
	// or error event reports the outcome.
	Connect(addr string) (Socket, error)

	// Ready is signalled whenever events are queued.
	Ready() <-chan struct{}

	// Process dispatches all queued events and returns how many ran.
	Process(cb Callbacks) int

	// CheckTimeouts runs the transport's timers. It may dispatch events.
	CheckTimeouts(cb Callbacks)

	LocalAddr() net.Addr

	Close() error
}
