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

// cursor tracks progress through a region of known length. Only bytes the
// transport accepted move it forward, so a short write leaves the unsent
// suffix in place for the next attempt.
type cursor struct {
	pos    int64
	length int64
}

func newCursor(length int64) cursor {
	return cursor{length: length}
}

func (c *cursor) remaining() int64 {
	return c.length - c.pos
}

func (c *cursor) done() bool {
	return c.pos >= c.length
}

// advance moves the cursor forward by n accepted bytes.
func (c *cursor) advance(n int) {
	c.pos += int64(n)
	if c.pos > c.length {
		c.pos = c.length
	}
}
