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
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the length of a ContentHash in bytes.
const HashSize = 32

// ContentHash identifies a transfer and names its destination file.
type ContentHash [HashSize]byte

// ParseContentHash decodes a 64 character hex string, in either case.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("decode hash: %s", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the upper-case hex encoding, which is also the name of the
// destination file.
func (h ContentHash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Short returns an abbreviated form for logs.
func (h ContentHash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is all zero bytes.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}
