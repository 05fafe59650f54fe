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

import "errors"

var (
	// ErrDuplicateHash is returned by Register when the hash is already pending.
	ErrDuplicateHash = errors.New("hash already registered")

	// ErrPeerDisconnected is reported when a stream ends before the transfer
	// is complete.
	ErrPeerDisconnected = errors.New("disconnected from peer")

	// ErrSizeMismatch is reported when a stream ends after delivering more
	// bytes than its header declared.
	ErrSizeMismatch = errors.New("received size does not match declared size")

	// ErrShutdown is reported to bound sessions when the engine closes.
	ErrShutdown = errors.New("engine shut down")
)

// Handler is notified exactly once when a bound transfer ends. err is nil on
// success.
type Handler interface {
	OnFinish(hash ContentHash, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(hash ContentHash, err error)

// OnFinish calls f(hash, err).
func (f HandlerFunc) OnFinish(hash ContentHash, err error) {
	f(hash, err)
}
