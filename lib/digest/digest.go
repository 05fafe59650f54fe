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

// Package digest computes content hashes of files.
package digest

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/uber/hashxfer/lib/transfer"
)

// Algorithm names a 256-bit hash function.
type Algorithm string

// Supported algorithms.
const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// ParseAlgorithm validates name. An empty name selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE2b:
		return BLAKE2b, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", string(a))
	}
}

// Reader hashes everything read from r.
func Reader(a Algorithm, r io.Reader) (transfer.ContentHash, error) {
	var h transfer.ContentHash
	hh, err := a.newHash()
	if err != nil {
		return h, err
	}
	if _, err := io.Copy(hh, r); err != nil {
		return h, fmt.Errorf("read content: %w", err)
	}
	copy(h[:], hh.Sum(nil))
	return h, nil
}

// File hashes the file at path.
func File(a Algorithm, path string) (transfer.ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return transfer.ContentHash{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return Reader(a, f)
}

// Verify reports whether the file at path hashes to want.
func Verify(a Algorithm, path string, want transfer.ContentHash) (bool, error) {
	got, err := File(a, path)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
