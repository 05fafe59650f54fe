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
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transfer"
)

// Direction is the side of a transfer a record describes.
type Direction string

// Directions.
const (
	Receive Direction = "receive"
	Send    Direction = "send"
)

// Status is the state of a recorded transfer.
type Status string

// Statuses.
const (
	Pending   Status = "pending"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Record is the last known state of one transfer.
type Record struct {
	Hash       string    `json:"hash"`
	Direction  Direction `json:"direction"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Path       string    `json:"path,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Config defines ledger configuration.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Ledger persists transfer records in badger.
type Ledger struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens or creates the ledger.
func Open(config Config, logger *zap.Logger) (*Ledger, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, fmt.Errorf("ledger path is required")
		}
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func recordKey(hash string, dir Direction) []byte {
	return []byte(fmt.Sprintf("transfer:%s:%s", hash, dir))
}

// Put stores r, replacing any earlier record for the same hash and
// direction.
func (l *Ledger) Put(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r.Hash, r.Direction), data)
	})
}

// Get returns the record for hash and dir, or nil if there is none.
func (l *Ledger) Get(hash transfer.ContentHash, dir Direction) (*Record, error) {
	var r Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(hash.String(), dir))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &r, nil
}

// List returns every record for hash. A zero hash lists all records.
func (l *Ledger) List(hash transfer.ContentHash) ([]*Record, error) {
	prefix := []byte("transfer:")
	if !hash.IsZero() {
		prefix = []byte(fmt.Sprintf("transfer:%s:", hash))
	}

	var records []*Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r Record
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				records = append(records, &r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Delete removes both directions' records for hash.
func (l *Ledger) Delete(hash transfer.ContentHash) error {
	return l.db.Update(func(txn *badger.Txn) error {
		for _, dir := range []Direction{Receive, Send} {
			if err := txn.Delete(recordKey(hash.String(), dir)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs value log garbage collection.
func (l *Ledger) RunGC() error {
	err := l.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite || err == badger.ErrGCInMemoryMode {
		return nil
	}
	return err
}

// badgerLogger implements badger.Logger.
type badgerLogger struct {
	logger *zap.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.Error(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.Warn(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}
