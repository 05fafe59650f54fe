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

import "encoding/binary"

// HeaderSize is the length of the stream prefix: the content hash followed
// by the declared body size as a big-endian uint64.
const HeaderSize = HashSize + 8

// Header is the stream prefix written by the sender.
type Header struct {
	Hash ContentHash
	Size uint64
}

// Marshal encodes the header into its wire form.
func (h Header) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	copy(b[:HashSize], h.Hash[:])
	binary.BigEndian.PutUint64(b[HashSize:], h.Size)
	return b
}

// UnmarshalHeader decodes a wire header. b must hold at least HeaderSize bytes.
func UnmarshalHeader(b []byte) Header {
	var h Header
	copy(h.Hash[:], b[:HashSize])
	h.Size = binary.BigEndian.Uint64(b[HashSize:HeaderSize])
	return h
}

// headerBuffer accumulates the header of an unclassified stream.
type headerBuffer struct {
	buf [HeaderSize]byte
	n   int
}

// put copies as much of p as the header still needs and returns the count.
func (b *headerBuffer) put(p []byte) int {
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n
}

func (b *headerBuffer) complete() bool {
	return b.n == HeaderSize
}

func (b *headerBuffer) header() Header {
	return UnmarshalHeader(b.buf[:])
}
